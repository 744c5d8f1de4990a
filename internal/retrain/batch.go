package retrain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"thermoablate/internal/ablation"
	"thermoablate/internal/activity"
	"thermoablate/internal/artifacts"
	"thermoablate/internal/dataset"
	"thermoablate/internal/model"
	"thermoablate/internal/network"
)

const (
	DefaultModelFilter = "_3m512_"
	NumClusters        = 8
)

// Condition is one ablation experiment applied to every model.
type Condition struct {
	Name    string
	Targets []int
	Tags    []network.Tag
}

// Conditions returns the retraining experiments for a species in run order.
func Conditions(species network.Species) ([]Condition, error) {
	switch species {
	case network.Zebrafish:
		fishLike := []int{1, 2, 3, 4, 5}
		return []Condition{
			{Name: "fl_retrain", Targets: fishLike},
			{Name: "nfl_retrain", Targets: ablation.Complement(fishLike, NumClusters)},
		}, nil
	case network.Elegans:
		wormLike := []int{1, 7}
		return []Condition{
			{Name: "cel_tbranch_retrain", Targets: wormLike, Tags: []network.Tag{network.TagTemperature}},
			{Name: "cel_nontbranch_retrain", Targets: wormLike, Tags: []network.Tag{network.TagMixed}},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported species: %s", species)
	}
}

// ShufflesPhases reports whether the two training datasets are visited in a
// per-model random order.
func ShufflesPhases(species network.Species) bool {
	return species == network.Elegans
}

// Datasets holds the forward and reversed training sets and the radial test
// set, all normalized with the forward set's statistics.
type Datasets struct {
	Training [2]*dataset.GradientData
	Test     *dataset.GradientData
}

// LoadDatasets reads the forward, reversed and radial test sets and makes the
// latter two share the forward set's normalization. Files whose names mark
// them for another role are rejected. Each set samples from its own seed
// derived from seed.
func LoadDatasets(training, reversed, test string, seed int64) (Datasets, error) {
	roles := []struct {
		path string
		want dataset.Kind
	}{
		{training, dataset.KindTraining},
		{reversed, dataset.KindTrainingReversed},
		{test, dataset.KindTestRadial},
	}
	sets := make([]*dataset.GradientData, len(roles))
	for i, role := range roles {
		if kind := dataset.KindFromPath(role.path); kind != dataset.KindUnknown && kind != role.want {
			return Datasets{}, fmt.Errorf("%w: %s holds %s data, expected %s", dataset.ErrDatasetLoad, role.path, kind, role.want)
		}
		d, err := dataset.Load(role.path)
		if err != nil {
			return Datasets{}, err
		}
		d.Seed(seed + int64(i))
		if i > 0 {
			if err := d.CopyNormalization(sets[0]); err != nil {
				return Datasets{}, err
			}
		}
		sets[i] = d
	}
	return Datasets{Training: [2]*dataset.GradientData{sets[0], sets[1]}, Test: sets[2]}, nil
}

// BatchConfig drives retraining of every matching model below BasePath.
type BatchConfig struct {
	BasePath     string
	Filter       string
	Species      network.Species
	ClustersPath string
	Stimulus     activity.Stimulus
	Data         Datasets
	Seed         int64
}

// Batch analyzes all models, then retrains each under its species'
// conditions.
type Batch struct {
	Driver   *Driver
	Analyzer *activity.Analyzer
	Out      io.Writer
}

// ListModels returns the model directories below base whose names contain
// filter, sorted by name.
func ListModels(base, filter string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), filter) {
			continue
		}
		paths = append(paths, filepath.Join(base, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Run returns the records of the runs it completed. Existing outputs are
// skipped per condition; any other error aborts the batch.
func (b *Batch) Run(ctx context.Context, cfg BatchConfig) ([]model.RunRecord, error) {
	conditions, err := Conditions(cfg.Species)
	if err != nil {
		return nil, err
	}
	filter := cfg.Filter
	if filter == "" {
		filter = DefaultModelFilter
	}
	paths, err := ListModels(cfg.BasePath, filter)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no models matching %q under %s", filter, cfg.BasePath)
	}
	b.logf("batch species=%s models=%d conditions=%d\n", cfg.Species, len(paths), len(conditions))

	unitIDs, err := b.Analyzer.AnalyzeAll(ctx, paths, cfg.Stimulus)
	if err != nil {
		return nil, err
	}
	clusters, err := ablation.LoadClusters(cfg.ClustersPath)
	if err != nil {
		return nil, err
	}
	if len(clusters) != len(unitIDs) {
		return nil, fmt.Errorf("%w: %d cluster labels for %d units", ablation.ErrAssignmentMismatch, len(clusters), len(unitIDs))
	}
	b.logf("clusters units=%d labels=%v\n", len(clusters), clusters.Labels())

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := []int{0, 1}
	var records []model.RunRecord
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if ShufflesPhases(cfg.Species) {
			rng.Shuffle(len(order), func(a, c int) { order[a], order[c] = order[c], order[a] })
		}
		data, err := network.ResolveModelData(path)
		if err != nil {
			return records, err
		}
		def, err := network.ReadDefinition(data.Definition)
		if err != nil {
			return records, err
		}
		if def.Species != cfg.Species {
			return records, fmt.Errorf("%w: %s holds a %s model, batch expects %s", network.ErrModelLoad, path, def.Species, cfg.Species)
		}
		for _, cond := range conditions {
			removal, err := ablation.CreateDetDropList(i, clusters, unitIDs, def.HiddenSizes(), cond.Targets)
			if err != nil {
				return records, err
			}
			b.logf("model=%s condition=%s removed=%v\n", filepath.Base(path), cond.Name, ablation.Removed(removal))
			job := Job{
				Condition: cond.Name,
				ModelPath: path,
				OutputDir: filepath.Join(path, cond.Name),
				Targets:   cond.Targets,
				Tags:      cond.Tags,
				Removal:   removal,
				Phases:    [2]Source{cfg.Data.Training[order[0]], cfg.Data.Training[order[1]]},
				Test:      cfg.Data.Test,
			}
			record, err := b.Driver.Run(ctx, job)
			if errors.Is(err, ErrOutputExists) {
				continue
			}
			if err != nil {
				return records, fmt.Errorf("%s on %s: %w", cond.Name, path, err)
			}
			if err := artifacts.AppendRunIndex(cfg.BasePath, artifacts.IndexEntry(record)); err != nil {
				return records, err
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func (b *Batch) logf(format string, args ...any) {
	if b.Out == nil {
		return
	}
	fmt.Fprintf(b.Out, format, args...)
}
