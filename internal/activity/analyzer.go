package activity

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"thermoablate/internal/dataset"
	"thermoablate/internal/model"
	"thermoablate/internal/network"
	"thermoablate/internal/storage"
)

// chunkRows bounds how many windows are pushed through the network at once.
const chunkRows = 256

// Stimulus is a temperature trace sampled at the network frame rate.
type Stimulus struct {
	Name        string
	Temperature []float64
}

// Activity holds hidden responses indexed as Layers[layer][time][unit].
type Activity struct {
	Layers [][][]float64
}

// Analyzer replays stored models over a temperature stimulus. Store and Out
// are optional.
type Analyzer struct {
	Standards model.Standards
	Store     storage.Store
	Out       io.Writer
}

func NewAnalyzer(standards model.Standards, store storage.Store, out io.Writer) *Analyzer {
	return &Analyzer{Standards: standards.Clone(), Store: store, Out: out}
}

// TemperatureActivity records the activity of every dense hidden unit of the
// model in modelPath while the stimulus plays. Behavior channels are held at
// zero before normalization. Unit IDs are ordered layer by layer.
func (a *Analyzer) TemperatureActivity(ctx context.Context, modelPath string, stim Stimulus, modelIndex int) (Activity, []model.UnitID, error) {
	data, err := network.ResolveModelData(modelPath)
	if err != nil {
		return Activity{}, nil, err
	}
	if a.Store != nil && stim.Name != "" {
		cached, ok, err := a.Store.GetActivity(ctx, modelPath, stim.Name)
		if err != nil {
			return Activity{}, nil, err
		}
		if ok && cached.Checkpoint == data.LastCheckpoint {
			a.logf("activity model=%s stimulus=%s cached=true\n", modelPath, stim.Name)
			act := Activity{Layers: cached.Layers}
			return act, UnitIDs(modelIndex, layerSizes(act)), nil
		}
	}

	def, err := network.ReadDefinition(data.Definition)
	if err != nil {
		return Activity{}, nil, err
	}
	m, err := network.NewModel(def.Species)
	if err != nil {
		return Activity{}, nil, fmt.Errorf("%w: %v", network.ErrModelLoad, err)
	}
	if err := m.Load(data.Definition, data.LastCheckpoint); err != nil {
		return Activity{}, nil, err
	}
	defer m.Clear()

	if len(a.Standards.Mean) != def.Channels || len(a.Standards.Scale) != def.Channels {
		return Activity{}, nil, fmt.Errorf("%w: standards cover %d channels, model expects %d", dataset.ErrIncompatibleShape, len(a.Standards.Mean), def.Channels)
	}
	history := def.HistoryFrames
	steps := len(stim.Temperature) - history + 1
	if steps <= 0 {
		return Activity{}, nil, fmt.Errorf("%w: stimulus of %d frames shorter than history %d", dataset.ErrIncompatibleShape, len(stim.Temperature), history)
	}

	sizes := m.HiddenSizes()
	act := Activity{Layers: make([][][]float64, len(sizes))}
	for l := range sizes {
		act.Layers[l] = make([][]float64, 0, steps)
	}
	width := def.Channels * history
	raw := make([]float64, width)
	for start := 0; start < steps; start += chunkRows {
		if err := ctx.Err(); err != nil {
			return Activity{}, nil, err
		}
		end := min(start+chunkRows, steps)
		inputs := mat.NewDense(end-start, width, nil)
		for t := start; t < end; t++ {
			copy(raw[:history], stim.Temperature[t:t+history])
			window, err := dataset.NormalizeWindow(a.Standards, history, raw)
			if err != nil {
				return Activity{}, nil, err
			}
			inputs.SetRow(t-start, window)
		}
		hidden, err := m.HiddenActivity(inputs)
		if err != nil {
			return Activity{}, nil, err
		}
		for l, h := range hidden {
			rows, _ := h.Dims()
			for i := 0; i < rows; i++ {
				act.Layers[l] = append(act.Layers[l], append([]float64(nil), h.RawRowView(i)...))
			}
		}
	}

	ids := UnitIDs(modelIndex, sizes)
	a.logf("activity model=%s stimulus=%s steps=%s units=%s\n", modelPath, stim.Name, humanize.Comma(int64(steps)), humanize.Comma(int64(len(ids))))
	if a.Store != nil && stim.Name != "" {
		record := model.ActivityRecord{
			VersionedRecord: storage.Versioned(),
			ModelPath:       modelPath,
			Checkpoint:      data.LastCheckpoint,
			Stimulus:        stim.Name,
			ModelIndex:      modelIndex,
			Layers:          act.Layers,
			UnitIDs:         ids,
		}
		if err := a.Store.SaveActivity(ctx, record); err != nil {
			return Activity{}, nil, err
		}
	}
	return act, ids, nil
}

// AnalyzeAll runs TemperatureActivity over every model path in order and
// concatenates the unit IDs, numbering models by position.
func (a *Analyzer) AnalyzeAll(ctx context.Context, modelPaths []string, stim Stimulus) ([]model.UnitID, error) {
	var all []model.UnitID
	for i, path := range modelPaths {
		_, ids, err := a.TemperatureActivity(ctx, path, stim, i)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", path, err)
		}
		all = append(all, ids...)
	}
	return all, nil
}

// UnitIDs enumerates the hidden units of one model layer by layer.
func UnitIDs(modelIndex int, sizes []int) []model.UnitID {
	var ids []model.UnitID
	for l, size := range sizes {
		for u := 0; u < size; u++ {
			ids = append(ids, model.UnitID{Model: modelIndex, Layer: l, Unit: u})
		}
	}
	return ids
}

func layerSizes(act Activity) []int {
	sizes := make([]int, len(act.Layers))
	for l, layer := range act.Layers {
		if len(layer) > 0 {
			sizes[l] = len(layer[0])
		}
	}
	return sizes
}

func (a *Analyzer) logf(format string, args ...any) {
	if a.Out == nil {
		return
	}
	fmt.Fprintf(a.Out, format, args...)
}
