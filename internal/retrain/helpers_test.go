package retrain

import (
	"math/rand"
	"path/filepath"
	"testing"

	"thermoablate/internal/dataset"
	"thermoablate/internal/network"
)

const (
	testHistory  = 8
	testChannels = 3
)

func smallDefinition(t *testing.T, species network.Species) network.Definition {
	t.Helper()
	def, err := network.DefaultDefinition(species)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	def.HistoryFrames = testHistory
	def.BinFrames = 2
	def.ConvFilters = 3
	def.Dense = []int{5, 4}
	return def
}

func createModel(t *testing.T, dir string, species network.Species) string {
	t.Helper()
	if _, err := network.CreateCheckpoint(dir, smallDefinition(t, species)); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	return dir
}

func syntheticData(t *testing.T, size int, seed int64) *dataset.GradientData {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	inputs := make([][]float64, size)
	targets := make([][]float64, size)
	for i := range inputs {
		row := make([]float64, testChannels*testHistory)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		inputs[i] = row
		targets[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()}
	}
	d, err := dataset.New(testChannels, testHistory, inputs, targets)
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	return d
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "run-" + string(rune('a'+n-1))
	}
}

func modelDir(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), name)
}
