package network

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// Param is one trainable tensor together with its optimizer state.
type Param struct {
	Name  string
	Tag   Tag
	Decay bool
	Value *mat.Dense

	m    *mat.Dense
	v    *mat.Dense
	step int
}

func newWeight(name string, tag Tag, decay bool, rows, cols int, rng *rand.Rand) *Param {
	std := math.Sqrt(2.0 / float64(rows))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return newParam(name, tag, decay, mat.NewDense(rows, cols, data))
}

func newBias(name string, tag Tag, cols int) *Param {
	data := make([]float64, cols)
	for i := range data {
		data[i] = 0.01
	}
	return newParam(name, tag, false, mat.NewDense(1, cols, data))
}

func newParam(name string, tag Tag, decay bool, value *mat.Dense) *Param {
	rows, cols := value.Dims()
	return &Param{
		Name:  name,
		Tag:   tag,
		Decay: decay,
		Value: value,
		m:     mat.NewDense(rows, cols, nil),
		v:     mat.NewDense(rows, cols, nil),
	}
}

// adamUpdate applies one Adam step with gradient grad.
func (p *Param) adamUpdate(grad *mat.Dense, lr float64) {
	p.step++
	t := float64(p.step)
	lrT := lr * math.Sqrt(1-math.Pow(adamBeta2, t)) / (1 - math.Pow(adamBeta1, t))

	rows, cols := p.Value.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			g := grad.At(i, j)
			m := adamBeta1*p.m.At(i, j) + (1-adamBeta1)*g
			v := adamBeta2*p.v.At(i, j) + (1-adamBeta2)*g*g
			p.m.Set(i, j, m)
			p.v.Set(i, j, v)
			p.Value.Set(i, j, p.Value.At(i, j)-lrT*m/(math.Sqrt(v)+adamEpsilon))
		}
	}
}

// TagSet selects parameters by tag. An empty set selects everything.
type TagSet map[Tag]struct{}

func NewTagSet(tags ...Tag) TagSet {
	set := make(TagSet, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	return set
}

func (s TagSet) Includes(tag Tag) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[tag]
	return ok
}
