package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// Activation pairs a nonlinearity with its derivative with respect to the
// pre-activation input.
type Activation struct {
	Name  string
	Func  ActivationFunc
	Deriv ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(Activation{
		Name:  "identity",
		Func:  func(x float64) float64 { return x },
		Deriv: func(float64) float64 { return 1 },
	})
	MustRegisterActivation(Activation{
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Deriv: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	})
	MustRegisterActivation(Activation{
		Name: "tanh",
		Func: math.Tanh,
		Deriv: func(x float64) float64 {
			y := math.Tanh(x)
			return 1 - y*y
		},
	})
	MustRegisterActivation(Activation{
		Name: "sigmoid",
		Func: sigmoid,
		Deriv: func(x float64) float64 {
			s := sigmoid(x)
			return s * (1 - s)
		},
	})
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func RegisterActivation(act Activation) error {
	if act.Name == "" {
		return errors.New("activation name is required")
	}
	if act.Func == nil || act.Deriv == nil {
		return errors.New("activation function and derivative are required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[act.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, act.Name)
	}
	activationRegistry.m[act.Name] = act
	return nil
}

func MustRegisterActivation(act Activation) {
	if err := RegisterActivation(act); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	act, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return act, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply returns act(z) elementwise as a new matrix.
func (a Activation) Apply(z mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return a.Func(v) }, z)
	return &out
}

// Backprop returns grad ⊙ act'(z) as a new matrix.
func (a Activation) Backprop(grad, z mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, v float64) float64 { return v * a.Deriv(z.At(i, j)) }, grad)
	return &out
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
