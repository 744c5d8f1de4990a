package retrain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"thermoablate/internal/artifacts"
	"thermoablate/internal/dataset"
	"thermoablate/internal/model"
	"thermoablate/internal/network"
	"thermoablate/internal/scoring"
	"thermoablate/internal/storage"
)

const (
	BatchSize = 32
	TestSize  = 128
	EvalEvery = 50
)

// ErrOutputExists reports that a run was skipped because its output
// directory is already present. Callers treat it as a skip, not a failure.
var ErrOutputExists = errors.New("retrain output already exists")

type State string

const (
	StateInit    State = "INIT"
	StatePhase1  State = "PHASE_1_TRAINING"
	StatePhase2  State = "PHASE_2_TRAINING"
	StateFinal   State = "FINALIZE"
	StateDone    State = "DONE"
	StateSkipped State = "SKIPPED"
)

// Source is a dataset that can report its size and draw random batches.
type Source interface {
	Size() int
	TrainingBatch(n int) (dataset.Batch, error)
}

// Job describes one retraining run of one model under one removal mask.
type Job struct {
	Condition string
	ModelPath string
	OutputDir string
	Targets   []int
	Tags      []network.Tag
	Removal   [][]float64
	Phases    [2]Source
	Test      Source
}

// Driver runs Jobs. Store, Out, Now and NewID are optional.
type Driver struct {
	Store   storage.Store
	Out     io.Writer
	Now     func() time.Time
	NewID   func() string
	OnState func(job Job, state State)
}

// Run executes the job's state machine. It returns ErrOutputExists without
// touching the model when the output directory is already present.
func (d *Driver) Run(ctx context.Context, job Job) (model.RunRecord, error) {
	d.enter(job, StateInit)
	if err := validateJob(job); err != nil {
		return model.RunRecord{}, err
	}
	if _, err := os.Stat(job.OutputDir); err == nil {
		d.enter(job, StateSkipped)
		d.logf("skip condition=%s model=%s reason=output_exists\n", job.Condition, job.ModelPath)
		return model.RunRecord{}, fmt.Errorf("%w: %s", ErrOutputExists, job.OutputDir)
	} else if !os.IsNotExist(err) {
		return model.RunRecord{}, err
	}
	if err := os.Mkdir(job.OutputDir, 0o755); err != nil {
		return model.RunRecord{}, err
	}

	m, err := loadModel(job.ModelPath)
	if err != nil {
		return model.RunRecord{}, err
	}
	defer m.Clear()
	train := m.FilteredTrain(job.Tags...)

	var (
		evals  []model.EvalSample
		global int
		steps  [2]int
	)
	test := func() error {
		batch, err := job.Test.TrainingBatch(TestSize)
		if err != nil {
			return err
		}
		pred, err := m.Predict(batch.Inputs, job.Removal)
		if err != nil {
			return err
		}
		re, err := scoring.RankError(batch.Targets, pred)
		if err != nil {
			return err
		}
		evals = append(evals, model.EvalSample{Step: global, RankError: re})
		d.logf("condition=%s global_step=%d rank_test_error=%.4f\n", job.Condition, global, re)
		return nil
	}

	for phase, src := range job.Phases {
		if phase == 0 {
			d.enter(job, StatePhase1)
		} else {
			d.enter(job, StatePhase2)
		}
		steps[phase] = src.Size() / BatchSize
		end := global + steps[phase]
		for ; global < end; global++ {
			if err := ctx.Err(); err != nil {
				return model.RunRecord{}, err
			}
			if global%EvalEvery == 0 {
				if err := test(); err != nil {
					return model.RunRecord{}, err
				}
			}
			batch, err := src.TrainingBatch(BatchSize)
			if err != nil {
				return model.RunRecord{}, err
			}
			if err := train(batch.Inputs, batch.Targets, job.Removal); err != nil {
				return model.RunRecord{}, err
			}
		}
	}

	d.enter(job, StateFinal)
	checkpoint, err := m.SaveState(job.OutputDir, global)
	if err != nil {
		return model.RunRecord{}, err
	}
	d.logf("condition=%s checkpoint=%s\n", job.Condition, checkpoint)
	losses := artifacts.LossesFromSamples(evals)
	if err := artifacts.WriteLosses(job.OutputDir, losses); err != nil {
		return model.RunRecord{}, err
	}
	if err := artifacts.WriteLossesCSV(job.OutputDir, losses); err != nil {
		return model.RunRecord{}, err
	}

	tags := make([]string, 0, len(job.Tags))
	for _, tag := range job.Tags {
		tags = append(tags, string(tag))
	}
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              d.newID(),
		ModelPath:       job.ModelPath,
		Condition:       job.Condition,
		Species:         string(m.Species()),
		OutputDir:       job.OutputDir,
		Targets:         append([]int(nil), job.Targets...),
		TrainTags:       tags,
		Phase1Steps:     steps[0],
		Phase2Steps:     steps[1],
		GlobalSteps:     global,
		Checkpoint:      checkpoint,
		Evaluations:     evals,
		CreatedAtUTC:    d.now().UTC().Format(time.RFC3339Nano),
	}
	if err := artifacts.WriteRunRecord(job.OutputDir, record); err != nil {
		return model.RunRecord{}, err
	}
	if d.Store != nil {
		if err := d.Store.SaveRun(ctx, record); err != nil {
			return model.RunRecord{}, err
		}
	}
	d.enter(job, StateDone)
	d.logf("run completed run_id=%s condition=%s steps=%s evaluations=%d\n", record.ID, job.Condition, humanize.Comma(int64(global)), len(evals))
	return record, nil
}

func validateJob(job Job) error {
	if job.OutputDir == "" || job.ModelPath == "" {
		return errors.New("model path and output dir are required")
	}
	if job.Phases[0] == nil || job.Phases[1] == nil || job.Test == nil {
		return errors.New("two training datasets and a test dataset are required")
	}
	return nil
}

// loadModel resolves the newest checkpoint under path and loads it into a
// model of the stored species.
func loadModel(path string) (network.Model, error) {
	data, err := network.ResolveModelData(path)
	if err != nil {
		return nil, err
	}
	def, err := network.ReadDefinition(data.Definition)
	if err != nil {
		return nil, err
	}
	m, err := network.NewModel(def.Species)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", network.ErrModelLoad, err)
	}
	if err := m.Load(data.Definition, data.LastCheckpoint); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Driver) enter(job Job, state State) {
	if d.OnState != nil {
		d.OnState(job, state)
	}
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func (d *Driver) logf(format string, args ...any) {
	if d.Out == nil {
		return
	}
	fmt.Fprintf(d.Out, format, args...)
}
