package network

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"thermoablate/internal/nn"
)

var ErrIncompatibleShape = errors.New("incompatible input shape")

type convBranch struct {
	tag      Tag
	first    int
	channels int
	w, b     *Param
}

type denseLayer struct {
	w, b *Param
}

// Net owns one independent parameter set built from a Definition.
type Net struct {
	def      Definition
	act      nn.Activation
	branches []convBranch
	hidden   []denseLayer
	out      denseLayer
	params   []*Param
	rng      *rand.Rand
}

// Build constructs a freshly initialized network for def.
func Build(def Definition) (*Net, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	act, err := nn.GetActivation(def.Activation)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(def.Seed))
	n := &Net{def: def, act: act, rng: rng}
	binned := def.BinnedFrames()

	switch def.Layout {
	case LayoutMixed:
		n.branches = append(n.branches, convBranch{
			tag:      TagMixed,
			first:    0,
			channels: def.Channels,
			w:        newWeight("W_conv_m", TagMixed, false, def.Channels*binned, def.ConvFilters, rng),
			b:        newBias("B_conv_m", TagMixed, def.ConvFilters),
		})
	case LayoutSeparate:
		for c := 0; c < def.Channels; c++ {
			tag := ChannelTags[c]
			n.branches = append(n.branches, convBranch{
				tag:      tag,
				first:    c,
				channels: 1,
				w:        newWeight("W_conv_"+string(tag), tag, false, binned, def.ConvFilters, rng),
				b:        newBias("B_conv_"+string(tag), tag, def.ConvFilters),
			})
		}
	}
	for _, branch := range n.branches {
		n.params = append(n.params, branch.w, branch.b)
	}

	prev := def.ConvUnits()
	for i, units := range def.Dense {
		layer := denseLayer{
			w: newWeight(fmt.Sprintf("W_h_%d", i), TagMixed, true, prev, units, rng),
			b: newBias(fmt.Sprintf("B_h_%d", i), TagMixed, units),
		}
		n.hidden = append(n.hidden, layer)
		n.params = append(n.params, layer.w, layer.b)
		prev = units
	}
	n.out = denseLayer{
		w: newWeight("W_o", TagMixed, true, prev, def.Outputs, rng),
		b: newBias("B_o", TagMixed, def.Outputs),
	}
	n.params = append(n.params, n.out.w, n.out.b)
	return n, nil
}

func (n *Net) Definition() Definition { return n.def }

func (n *Net) Params() []*Param {
	return append([]*Param(nil), n.params...)
}

func (n *Net) HiddenSizes() []int { return n.def.HiddenSizes() }

// Predict runs a forward pass and returns the rows x Outputs prediction.
func (n *Net) Predict(inputs *mat.Dense, cfg FeedConfig) (*mat.Dense, error) {
	tr, err := n.forward(inputs, cfg)
	if err != nil {
		return nil, err
	}
	return tr.output, nil
}

// HiddenActivity returns post-nonlinearity activations of every dense hidden
// layer, before stochastic dropout.
func (n *Net) HiddenActivity(inputs *mat.Dense, cfg FeedConfig) ([]*mat.Dense, error) {
	tr, err := n.forward(inputs, cfg)
	if err != nil {
		return nil, err
	}
	return tr.layerH, nil
}

// Loss returns the mean squared error plus weight decay for a batch.
func (n *Net) Loss(inputs, targets *mat.Dense, cfg FeedConfig) (float64, error) {
	if err := n.checkTargets(inputs, targets); err != nil {
		return 0, err
	}
	tr, err := n.forward(inputs, cfg)
	if err != nil {
		return 0, err
	}
	return n.loss(tr.output, targets), nil
}

// TrainStep performs one Adam update on the parameters selected by tags and
// returns the loss measured before the update.
func (n *Net) TrainStep(inputs, targets *mat.Dense, cfg FeedConfig, tags TagSet) (float64, error) {
	if err := n.checkTargets(inputs, targets); err != nil {
		return 0, err
	}
	tr, err := n.forward(inputs, cfg)
	if err != nil {
		return 0, err
	}
	loss := n.loss(tr.output, targets)

	rows, cols := tr.output.Dims()
	var dOut mat.Dense
	dOut.Sub(tr.output, targets)
	dOut.Scale(2/float64(rows*cols), &dOut)

	grads := n.backward(tr, &dOut)
	for _, p := range n.params {
		if !tags.Includes(p.Tag) {
			continue
		}
		p.adamUpdate(grads[p], n.def.LearningRate)
	}
	return loss, nil
}

type trace struct {
	branchIn  []mat.Matrix
	branchZ   []*mat.Dense
	layerIn   []*mat.Dense
	layerM    []*mat.Dense
	layerH    []*mat.Dense
	layerDrop []*mat.Dense
	lastOut   *mat.Dense
	output    *mat.Dense
	factors   [][]float64
}

func (n *Net) forward(inputs *mat.Dense, cfg FeedConfig) (*trace, error) {
	if inputs == nil {
		return nil, fmt.Errorf("%w: nil input", ErrIncompatibleShape)
	}
	rows, cols := inputs.Dims()
	if cols != n.def.InputWidth() {
		return nil, fmt.Errorf("%w: input width %d != %d", ErrIncompatibleShape, cols, n.def.InputWidth())
	}
	factors, err := MaskFactors(n.def.Dense, cfg.RemovalMasks)
	if err != nil {
		return nil, err
	}
	keep := cfg.keep()
	tr := &trace{factors: factors}

	pooled := n.pool(inputs)
	binned := n.def.BinnedFrames()
	convOut := mat.NewDense(rows, n.def.ConvUnits(), nil)
	offset := 0
	for _, branch := range n.branches {
		in := pooled.Slice(0, rows, branch.first*binned, (branch.first+branch.channels)*binned)
		z := affine(in, branch.w, branch.b)
		h := n.act.Apply(z)
		_, width := h.Dims()
		convOut.Slice(0, rows, offset, offset+width).(*mat.Dense).Copy(h)
		offset += width
		tr.branchIn = append(tr.branchIn, in)
		tr.branchZ = append(tr.branchZ, z)
	}

	prev := convOut
	for l, layer := range n.hidden {
		z := affine(prev, layer.w, layer.b)
		m := scaleColumns(z, factors[l])
		h := n.act.Apply(m)
		var drop *mat.Dense
		next := h
		if keep < 1 {
			drop = n.dropoutMask(rows, n.def.Dense[l], keep)
			next = new(mat.Dense)
			next.MulElem(h, drop)
		}
		tr.layerIn = append(tr.layerIn, prev)
		tr.layerM = append(tr.layerM, m)
		tr.layerH = append(tr.layerH, h)
		tr.layerDrop = append(tr.layerDrop, drop)
		prev = next
	}
	tr.lastOut = prev
	tr.output = affine(prev, n.out.w, n.out.b)
	return tr, nil
}

func (n *Net) backward(tr *trace, dOut *mat.Dense) map[*Param]*mat.Dense {
	grads := make(map[*Param]*mat.Dense, len(n.params))

	grads[n.out.w] = n.weightGrad(n.out.w, tr.lastOut, dOut)
	grads[n.out.b] = columnSums(dOut)
	dPrev := new(mat.Dense)
	dPrev.Mul(dOut, n.out.w.Value.T())

	for l := len(n.hidden) - 1; l >= 0; l-- {
		layer := n.hidden[l]
		dH := dPrev
		if tr.layerDrop[l] != nil {
			dH = new(mat.Dense)
			dH.MulElem(dPrev, tr.layerDrop[l])
		}
		dM := n.act.Backprop(dH, tr.layerM[l])
		dZ := scaleColumns(dM, tr.factors[l])
		grads[layer.w] = n.weightGrad(layer.w, tr.layerIn[l], dZ)
		grads[layer.b] = columnSums(dZ)
		dPrev = new(mat.Dense)
		dPrev.Mul(dZ, layer.w.Value.T())
	}

	rows, _ := dPrev.Dims()
	offset := 0
	for i, branch := range n.branches {
		_, width := branch.b.Value.Dims()
		dH := dPrev.Slice(0, rows, offset, offset+width)
		dZ := n.act.Backprop(dH, tr.branchZ[i])
		grads[branch.w] = n.weightGrad(branch.w, tr.branchIn[i], dZ)
		grads[branch.b] = columnSums(dZ)
		offset += width
	}
	return grads
}

func (n *Net) weightGrad(p *Param, in mat.Matrix, dZ *mat.Dense) *mat.Dense {
	var g mat.Dense
	g.Mul(in.T(), dZ)
	if p.Decay && n.def.WeightDecay > 0 {
		var decay mat.Dense
		decay.Scale(n.def.WeightDecay, p.Value)
		g.Add(&g, &decay)
	}
	return &g
}

func (n *Net) loss(output, targets *mat.Dense) float64 {
	rows, cols := output.Dims()
	var diff mat.Dense
	diff.Sub(output, targets)
	sq := 0.0
	for i := 0; i < rows; i++ {
		row := diff.RawRowView(i)
		sq += floats.Dot(row, row)
	}
	total := sq / float64(rows*cols)
	if n.def.WeightDecay > 0 {
		l2 := 0.0
		for _, p := range n.params {
			if !p.Decay {
				continue
			}
			norm := mat.Norm(p.Value, 2)
			l2 += 0.5 * norm * norm
		}
		total += n.def.WeightDecay * l2
	}
	return total
}

func (n *Net) checkTargets(inputs, targets *mat.Dense) error {
	if inputs == nil || targets == nil {
		return fmt.Errorf("%w: nil batch", ErrIncompatibleShape)
	}
	inRows, _ := inputs.Dims()
	rows, cols := targets.Dims()
	if rows != inRows || cols != n.def.Outputs {
		return fmt.Errorf("%w: targets %dx%d for %d inputs and %d outputs", ErrIncompatibleShape, rows, cols, inRows, n.def.Outputs)
	}
	return nil
}

// pool averages consecutive frames of every channel into bins.
func (n *Net) pool(inputs *mat.Dense) *mat.Dense {
	rows, _ := inputs.Dims()
	history, bin, binned := n.def.HistoryFrames, n.def.BinFrames, n.def.BinnedFrames()
	pooled := mat.NewDense(rows, n.def.Channels*binned, nil)
	for r := 0; r < rows; r++ {
		row := inputs.RawRowView(r)
		for c := 0; c < n.def.Channels; c++ {
			for j := 0; j < binned; j++ {
				start := c*history + j*bin
				pooled.Set(r, c*binned+j, floats.Sum(row[start:start+bin])/float64(bin))
			}
		}
	}
	return pooled
}

// dropoutMask draws inverted-dropout multipliers: 1/keep with probability
// keep, otherwise 0.
func (n *Net) dropoutMask(rows, cols int, keep float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		if n.rng.Float64() < keep {
			data[i] = 1 / keep
		}
	}
	return mat.NewDense(rows, cols, data)
}

func affine(in mat.Matrix, w, b *Param) *mat.Dense {
	var z mat.Dense
	z.Mul(in, w.Value)
	bias := b.Value.RawRowView(0)
	z.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, &z)
	return &z
}

func scaleColumns(m *mat.Dense, factors []float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return v * factors[j] }, m)
	return &out
}

func columnSums(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	sums := make([]float64, cols)
	for i := 0; i < rows; i++ {
		floats.Add(sums, m.RawRowView(i))
	}
	return mat.NewDense(1, cols, sums)
}
