package network

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func tinyDefinition(species Species) Definition {
	def, err := DefaultDefinition(species)
	if err != nil {
		panic(err)
	}
	def.HistoryFrames = 8
	def.BinFrames = 2
	def.ConvFilters = 3
	def.Dense = []int{5, 4}
	def.Seed = 7
	return def
}

func randomBatch(rows, cols int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

func TestMaskFactorsPreserveSummedActivation(t *testing.T) {
	masks := [][]float64{
		{1, 1, 1, 1, 1, 1},
		{1, 0, 1, 0, 1, 0},
		{0, 0, 0, 0, 0, 1},
		{1, 1, 0, 1, 1, 1},
	}
	const activation = 0.75
	for _, mask := range masks {
		factors, err := MaskFactors([]int{len(mask)}, [][]float64{mask})
		if err != nil {
			t.Fatalf("mask factors %v: %v", mask, err)
		}
		kept := 0.0
		pre := 0.0
		post := 0.0
		for j, v := range mask {
			kept += v
			if v == 1 {
				pre += activation
			}
			post += activation * factors[0][j]
		}
		want := pre * float64(len(mask)) / kept
		if math.Abs(post-want) > 1e-12 {
			t.Fatalf("mask %v: post=%v want=%v", mask, post, want)
		}
		if math.Abs(post-activation*float64(len(mask))) > 1e-12 {
			t.Fatalf("mask %v: expected total magnitude to match the full layer, got %v", mask, post)
		}
	}
}

func TestMaskFactorsRejectInvalidMasks(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		masks [][]float64
	}{
		{name: "all-removed", sizes: []int{3}, masks: [][]float64{{0, 0, 0}}},
		{name: "wrong-length", sizes: []int{3}, masks: [][]float64{{1, 1}}},
		{name: "non-binary", sizes: []int{2}, masks: [][]float64{{1, 0.5}}},
		{name: "layer-count", sizes: []int{2, 2}, masks: [][]float64{{1, 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := MaskFactors(tc.sizes, tc.masks); !errors.Is(err, ErrInvalidMask) {
				t.Fatalf("expected ErrInvalidMask, got: %v", err)
			}
		})
	}
}

func TestPredictZeroMaskFailsWithoutNaN(t *testing.T) {
	net, err := Build(tinyDefinition(Zebrafish))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	masks := FullMask(net.HiddenSizes())
	for j := range masks[1] {
		masks[1][j] = 0
	}
	out, err := net.Predict(randomBatch(3, net.Definition().InputWidth(), 1), FeedConfig{RemovalMasks: masks})
	if !errors.Is(err, ErrInvalidMask) {
		t.Fatalf("expected ErrInvalidMask, got: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no output for invalid mask, got %v", mat.Formatted(out))
	}
}

func TestPredictNilMaskMatchesAllOnes(t *testing.T) {
	net, err := Build(tinyDefinition(Zebrafish))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := randomBatch(4, net.Definition().InputWidth(), 2)
	full, err := net.Predict(x, FeedConfig{})
	if err != nil {
		t.Fatalf("predict nil mask: %v", err)
	}
	ones, err := net.Predict(x, FeedConfig{RemovalMasks: FullMask(net.HiddenSizes())})
	if err != nil {
		t.Fatalf("predict ones mask: %v", err)
	}
	if !mat.EqualApprox(full, ones, 1e-12) {
		t.Fatal("expected nil mask to behave as all ones")
	}
	rows, cols := full.Dims()
	if rows != 4 || cols != 4 {
		t.Fatalf("unexpected output dims: %dx%d", rows, cols)
	}
}

func TestRemovedUnitsAreSilent(t *testing.T) {
	net, err := Build(tinyDefinition(Elegans))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	masks := FullMask(net.HiddenSizes())
	masks[0][1] = 0
	masks[1][3] = 0
	activity, err := net.HiddenActivity(randomBatch(6, net.Definition().InputWidth(), 3), FeedConfig{RemovalMasks: masks})
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	for row := 0; row < 6; row++ {
		if activity[0].At(row, 1) != 0 || activity[1].At(row, 3) != 0 {
			t.Fatalf("row %d: removed units not silent", row)
		}
	}
}

func TestPredictInputWidthMismatch(t *testing.T) {
	net, err := Build(tinyDefinition(Zebrafish))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := net.Predict(randomBatch(2, 5, 1), FeedConfig{}); !errors.Is(err, ErrIncompatibleShape) {
		t.Fatalf("expected ErrIncompatibleShape, got: %v", err)
	}
	x := randomBatch(2, net.Definition().InputWidth(), 1)
	if _, err := net.TrainStep(x, randomBatch(3, 4, 1), FeedConfig{}, nil); !errors.Is(err, ErrIncompatibleShape) {
		t.Fatalf("expected ErrIncompatibleShape for targets, got: %v", err)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, species := range []Species{Zebrafish, Elegans} {
		t.Run(string(species), func(t *testing.T) {
			def := tinyDefinition(species)
			def.WeightDecay = 1e-2
			net, err := Build(def)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			x := randomBatch(5, def.InputWidth(), 11)
			y := randomBatch(5, def.Outputs, 12)
			masks := FullMask(def.Dense)
			masks[0][2] = 0
			cfg := FeedConfig{RemovalMasks: masks}

			tr, err := net.forward(x, cfg)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			rows, cols := tr.output.Dims()
			var dOut mat.Dense
			dOut.Sub(tr.output, y)
			dOut.Scale(2/float64(rows*cols), &dOut)
			grads := net.backward(tr, &dOut)

			const eps = 1e-6
			for _, p := range net.Params() {
				pr, pc := p.Value.Dims()
				for _, idx := range [][2]int{{0, 0}, {pr - 1, pc - 1}, {pr / 2, pc / 2}} {
					i, j := idx[0], idx[1]
					orig := p.Value.At(i, j)
					p.Value.Set(i, j, orig+eps)
					plus, err := net.Loss(x, y, cfg)
					if err != nil {
						t.Fatalf("loss plus: %v", err)
					}
					p.Value.Set(i, j, orig-eps)
					minus, err := net.Loss(x, y, cfg)
					if err != nil {
						t.Fatalf("loss minus: %v", err)
					}
					p.Value.Set(i, j, orig)

					numeric := (plus - minus) / (2 * eps)
					analytic := grads[p].At(i, j)
					if math.Abs(numeric-analytic) > 1e-5*math.Max(1, math.Abs(numeric)) {
						t.Fatalf("%s[%d,%d]: analytic=%g numeric=%g", p.Name, i, j, analytic, numeric)
					}
				}
			}
		})
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	def := tinyDefinition(Zebrafish)
	def.LearningRate = 1e-2
	net, err := Build(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := randomBatch(16, def.InputWidth(), 21)
	y := randomBatch(16, def.Outputs, 22)
	before, err := net.Loss(x, y, FeedConfig{})
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	for i := 0; i < 300; i++ {
		if _, err := net.TrainStep(x, y, FeedConfig{}, nil); err != nil {
			t.Fatalf("train step %d: %v", i, err)
		}
	}
	after, err := net.Loss(x, y, FeedConfig{})
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	if after >= before {
		t.Fatalf("expected loss to decrease: before=%g after=%g", before, after)
	}
}

func TestTrainStepOnlyUpdatesSelectedTags(t *testing.T) {
	net, err := Build(tinyDefinition(Elegans))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	snapshot := make(map[string]*mat.Dense)
	for _, p := range net.Params() {
		snapshot[p.Name] = mat.DenseCopyOf(p.Value)
	}
	x := randomBatch(8, net.Definition().InputWidth(), 31)
	y := randomBatch(8, 4, 32)
	if _, err := net.TrainStep(x, y, FeedConfig{}, NewTagSet(TagTemperature)); err != nil {
		t.Fatalf("train step: %v", err)
	}
	changed := 0
	for _, p := range net.Params() {
		same := mat.Equal(snapshot[p.Name], p.Value)
		if p.Tag != TagTemperature && !same {
			t.Fatalf("frozen parameter %s (%s) changed", p.Name, p.Tag)
		}
		if p.Tag == TagTemperature && !same {
			changed++
		}
	}
	if changed == 0 {
		t.Fatal("expected temperature branch parameters to change")
	}
}

func TestDropoutOnlyWhenKeepBelowOne(t *testing.T) {
	net, err := Build(tinyDefinition(Zebrafish))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := randomBatch(4, net.Definition().InputWidth(), 41)
	tr, err := net.forward(x, FeedConfig{KeepProbability: 1})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for l, drop := range tr.layerDrop {
		if drop != nil {
			t.Fatalf("layer %d: unexpected dropout mask with keep=1", l)
		}
	}
	tr, err = net.forward(x, FeedConfig{KeepProbability: 0.5})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for l, drop := range tr.layerDrop {
		if drop == nil {
			t.Fatalf("layer %d: expected dropout mask with keep=0.5", l)
		}
		r, c := drop.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := drop.At(i, j); v != 0 && v != 2 {
					t.Fatalf("layer %d: unexpected dropout multiplier %v", l, v)
				}
			}
		}
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{name: "species", mutate: func(d *Definition) { d.Species = "trout" }},
		{name: "layout", mutate: func(d *Definition) { d.Layout = "stacked" }},
		{name: "bins", mutate: func(d *Definition) { d.BinFrames = 3 }},
		{name: "dense", mutate: func(d *Definition) { d.Dense = nil }},
		{name: "keep", mutate: func(d *Definition) { d.KeepTrain = 0 }},
		{name: "version", mutate: func(d *Definition) { d.SchemaVersion = 2 }},
	}
	for _, tc := range tests {
		def := tinyDefinition(Zebrafish)
		tc.mutate(&def)
		if err := def.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if err := ZebrafishDefinition().Validate(); err != nil {
		t.Fatalf("zebrafish default invalid: %v", err)
	}
	if err := ElegansDefinition().Validate(); err != nil {
		t.Fatalf("elegans default invalid: %v", err)
	}
	if got := ElegansDefinition().ConvUnits(); got != 60 {
		t.Fatalf("unexpected elegans conv units: got=%d want=60", got)
	}
}
