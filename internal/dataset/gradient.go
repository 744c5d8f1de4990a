package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"thermoablate/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1

	// TargetCount is the number of behavioral options predicted per sample.
	TargetCount = 4
)

var (
	ErrDatasetLoad       = errors.New("dataset load failed")
	ErrIncompatibleShape = errors.New("incompatible dataset shape")
)

type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindTraining         Kind = "training"
	KindTrainingReversed Kind = "training_rev"
	KindTestRadial       Kind = "test_radial"
)

// KindFromPath classifies a dataset file by its naming convention.
func KindFromPath(path string) Kind {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch {
	case strings.HasSuffix(name, "_training_data_rev"):
		return KindTrainingReversed
	case strings.HasSuffix(name, "_training_data"):
		return KindTraining
	case strings.HasSuffix(name, "_test_data_radial"):
		return KindTestRadial
	default:
		return KindUnknown
	}
}

type fileRecord struct {
	model.VersionedRecord
	Channels  int              `json:"channels"`
	History   int              `json:"history"`
	Inputs    [][]float64      `json:"inputs"`
	Targets   [][]float64      `json:"targets"`
	Standards *model.Standards `json:"standards,omitempty"`
}

// GradientData is a set of raw (input, target) pairs plus the statistics used
// to normalize inputs when batches are drawn. Inputs are stored channel-major:
// frame h of channel c lives at index c*History+h.
type GradientData struct {
	channels  int
	history   int
	inputs    [][]float64
	targets   [][]float64
	standards model.Standards
	rng       *rand.Rand
}

// New builds a dataset from raw samples and derives its own normalization.
func New(channels, history int, inputs, targets [][]float64) (*GradientData, error) {
	if channels <= 0 || history <= 0 {
		return nil, fmt.Errorf("%w: channels=%d history=%d", ErrIncompatibleShape, channels, history)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: dataset is empty", ErrIncompatibleShape)
	}
	if len(inputs) != len(targets) {
		return nil, fmt.Errorf("%w: inputs=%d targets=%d", ErrIncompatibleShape, len(inputs), len(targets))
	}
	width := channels * history
	for i := range inputs {
		if len(inputs[i]) != width {
			return nil, fmt.Errorf("%w: sample %d input width %d != %d", ErrIncompatibleShape, i, len(inputs[i]), width)
		}
		if len(targets[i]) != TargetCount {
			return nil, fmt.Errorf("%w: sample %d target width %d != %d", ErrIncompatibleShape, i, len(targets[i]), TargetCount)
		}
	}
	d := &GradientData{
		channels: channels,
		history:  history,
		inputs:   inputs,
		targets:  targets,
		rng:      rand.New(rand.NewSource(1)),
	}
	d.standards = d.computeStandards()
	return d, nil
}

// Load reads a dataset file. Missing or malformed files fail with ErrDatasetLoad.
func Load(path string) (*GradientData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatasetLoad, path, err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatasetLoad, path, err)
	}
	if rec.SchemaVersion != CurrentSchemaVersion || rec.CodecVersion != CurrentCodecVersion {
		return nil, fmt.Errorf("%w: %s: version schema=%d codec=%d", ErrDatasetLoad, path, rec.SchemaVersion, rec.CodecVersion)
	}
	d, err := New(rec.Channels, rec.History, rec.Inputs, rec.Targets)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatasetLoad, path, err)
	}
	if rec.Standards != nil {
		if len(rec.Standards.Mean) != rec.Channels || len(rec.Standards.Scale) != rec.Channels {
			return nil, fmt.Errorf("%w: %s: standards do not match %d channels", ErrDatasetLoad, path, rec.Channels)
		}
		for c, scale := range rec.Standards.Scale {
			if !(scale > 0) || math.IsInf(scale, 0) || math.IsNaN(rec.Standards.Mean[c]) || math.IsInf(rec.Standards.Mean[c], 0) {
				return nil, fmt.Errorf("%w: %s: channel %d standards mean=%v scale=%v", ErrDatasetLoad, path, c, rec.Standards.Mean[c], scale)
			}
		}
		d.standards = rec.Standards.Clone()
	}
	return d, nil
}

// Save writes the dataset, including its current normalization, to path.
func (d *GradientData) Save(path string) error {
	standards := d.standards.Clone()
	rec := fileRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Channels:        d.channels,
		History:         d.history,
		Inputs:          d.inputs,
		Targets:         d.targets,
		Standards:       &standards,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *GradientData) Size() int     { return len(d.inputs) }
func (d *GradientData) Channels() int { return d.channels }
func (d *GradientData) History() int  { return d.history }

func (d *GradientData) Standards() model.Standards {
	return d.standards.Clone()
}

// Seed resets the sampler used by TrainingBatch and new batch streams.
func (d *GradientData) Seed(seed int64) {
	d.rng = rand.New(rand.NewSource(seed))
}

// CopyNormalization overwrites this dataset's statistics with those of ref.
func (d *GradientData) CopyNormalization(ref *GradientData) error {
	if ref == nil {
		return fmt.Errorf("%w: nil reference dataset", ErrIncompatibleShape)
	}
	if ref.channels != d.channels {
		return fmt.Errorf("%w: channels %d != reference %d", ErrIncompatibleShape, d.channels, ref.channels)
	}
	d.standards = ref.standards.Clone()
	return nil
}

// Batch holds aligned normalized inputs (rows x channels*history) and targets
// (rows x TargetCount).
type Batch struct {
	Inputs  *mat.Dense
	Targets *mat.Dense
}

func (b Batch) Size() int {
	rows, _ := b.Inputs.Dims()
	return rows
}

// TrainingBatch draws n samples with replacement.
func (d *GradientData) TrainingBatch(n int) (Batch, error) {
	if n <= 0 {
		return Batch{}, fmt.Errorf("%w: batch size %d", ErrIncompatibleShape, n)
	}
	return d.sample(d.rng, n), nil
}

// Batches returns a stream of batches of size n seeded from the dataset
// sampler.
func (d *GradientData) Batches(n int) (*BatchStream, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", ErrIncompatibleShape, n)
	}
	seed := d.rng.Int63()
	return &BatchStream{data: d, size: n, seed: seed, rng: rand.New(rand.NewSource(seed))}, nil
}

// NormalizeWindow applies the dataset statistics to one channel-major window.
func (d *GradientData) NormalizeWindow(raw []float64) ([]float64, error) {
	return NormalizeWindow(d.standards, d.history, raw)
}

// NormalizeWindow applies standards to a channel-major window of the given history.
func NormalizeWindow(standards model.Standards, history int, raw []float64) ([]float64, error) {
	channels := len(standards.Mean)
	if len(raw) != channels*history {
		return nil, fmt.Errorf("%w: window width %d != %d", ErrIncompatibleShape, len(raw), channels*history)
	}
	out := make([]float64, len(raw))
	for c := 0; c < channels; c++ {
		mean, scale := standards.Mean[c], standards.Scale[c]
		for h := 0; h < history; h++ {
			out[c*history+h] = (raw[c*history+h] - mean) / scale
		}
	}
	return out, nil
}

func (d *GradientData) sample(rng *rand.Rand, n int) Batch {
	width := d.channels * d.history
	inputs := mat.NewDense(n, width, nil)
	targets := mat.NewDense(n, TargetCount, nil)
	for row := 0; row < n; row++ {
		ix := rng.Intn(len(d.inputs))
		raw := d.inputs[ix]
		for c := 0; c < d.channels; c++ {
			mean, scale := d.standards.Mean[c], d.standards.Scale[c]
			for h := 0; h < d.history; h++ {
				inputs.Set(row, c*d.history+h, (raw[c*d.history+h]-mean)/scale)
			}
		}
		targets.SetRow(row, d.targets[ix])
	}
	return Batch{Inputs: inputs, Targets: targets}
}

func (d *GradientData) computeStandards() model.Standards {
	standards := model.Standards{
		Mean:  make([]float64, d.channels),
		Scale: make([]float64, d.channels),
	}
	values := make([]float64, 0, len(d.inputs)*d.history)
	for c := 0; c < d.channels; c++ {
		values = values[:0]
		for _, raw := range d.inputs {
			values = append(values, raw[c*d.history:(c+1)*d.history]...)
		}
		mean, scale := stat.PopMeanStdDev(values, nil)
		if scale == 0 || math.IsNaN(scale) {
			scale = 1
		}
		standards.Mean[c] = mean
		standards.Scale[c] = scale
	}
	return standards
}

// BatchStream yields an unbounded sequence of randomly sampled batches.
// Reset rewinds it to the first batch.
type BatchStream struct {
	data *GradientData
	size int
	seed int64
	rng  *rand.Rand
}

func (s *BatchStream) Next() Batch {
	return s.data.sample(s.rng, s.size)
}

func (s *BatchStream) Reset() {
	s.rng = rand.New(rand.NewSource(s.seed))
}
