package network

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// TrainFunc applies one training step under the given removal masks.
type TrainFunc func(inputs, targets *mat.Dense, removal [][]float64) error

// Model is the training and prediction contract shared by both species.
type Model interface {
	Species() Species
	Load(definitionPath, checkpointPath string) error
	Predict(inputs *mat.Dense, removal [][]float64) (*mat.Dense, error)
	Train(inputs, targets *mat.Dense, removal [][]float64) error
	FilteredTrain(tags ...Tag) TrainFunc
	SaveState(dir string, step int) (string, error)
	HiddenActivity(inputs *mat.Dense) ([]*mat.Dense, error)
	HiddenSizes() []int
	Clear()
}

// NewModel returns an empty model of the given species; call Load before use.
func NewModel(species Species) (Model, error) {
	switch species {
	case Zebrafish:
		return NewZebrafishModel(), nil
	case Elegans:
		return NewElegansModel(), nil
	default:
		return nil, fmt.Errorf("unsupported species: %s", species)
	}
}

// ZebrafishModel convolves temperature and behavior history jointly.
type ZebrafishModel struct {
	gradientModel
}

func NewZebrafishModel() *ZebrafishModel {
	return &ZebrafishModel{gradientModel{species: Zebrafish, layout: LayoutMixed}}
}

// ElegansModel keeps a separate temperature branch ahead of the shared
// layers.
type ElegansModel struct {
	gradientModel
}

func NewElegansModel() *ElegansModel {
	return &ElegansModel{gradientModel{species: Elegans, layout: LayoutSeparate}}
}

type gradientModel struct {
	species Species
	layout  Layout
	net     *Net
}

func (m *gradientModel) Species() Species { return m.species }

// Load reads the definition and weights. A model accepts one definition until
// Clear is called.
func (m *gradientModel) Load(definitionPath, checkpointPath string) error {
	if m.net != nil {
		return ErrAlreadyLoaded
	}
	def, err := ReadDefinition(definitionPath)
	if err != nil {
		return err
	}
	if def.Species != m.species || def.Layout != m.layout {
		return fmt.Errorf("%w: %s describes %s/%s, want %s/%s", ErrModelLoad, definitionPath, def.Species, def.Layout, m.species, m.layout)
	}
	net, err := Build(def)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if _, err := net.LoadWeights(checkpointPath); err != nil {
		return err
	}
	m.net = net
	return nil
}

func (m *gradientModel) Predict(inputs *mat.Dense, removal [][]float64) (*mat.Dense, error) {
	net, err := m.loaded()
	if err != nil {
		return nil, err
	}
	return net.Predict(inputs, FeedConfig{KeepProbability: 1, RemovalMasks: removal})
}

func (m *gradientModel) HiddenActivity(inputs *mat.Dense) ([]*mat.Dense, error) {
	net, err := m.loaded()
	if err != nil {
		return nil, err
	}
	return net.HiddenActivity(inputs, FeedConfig{KeepProbability: 1})
}

func (m *gradientModel) Train(inputs, targets *mat.Dense, removal [][]float64) error {
	return m.FilteredTrain()(inputs, targets, removal)
}

// FilteredTrain returns a train step restricted to parameters carrying one of
// tags. With no tags every parameter is trained.
func (m *gradientModel) FilteredTrain(tags ...Tag) TrainFunc {
	set := NewTagSet(tags...)
	return func(inputs, targets *mat.Dense, removal [][]float64) error {
		net, err := m.loaded()
		if err != nil {
			return err
		}
		cfg := FeedConfig{KeepProbability: net.def.KeepTrain, RemovalMasks: removal}
		_, err = net.TrainStep(inputs, targets, cfg, set)
		return err
	}
}

// SaveState writes the definition (once) and the weights for step into dir.
func (m *gradientModel) SaveState(dir string, step int) (string, error) {
	net, err := m.loaded()
	if err != nil {
		return "", err
	}
	defPath := filepath.Join(dir, DefinitionFile)
	if _, err := os.Stat(defPath); os.IsNotExist(err) {
		if err := WriteDefinition(defPath, net.def); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	return net.SaveWeights(dir, step)
}

func (m *gradientModel) HiddenSizes() []int {
	if m.net == nil {
		return nil
	}
	return m.net.HiddenSizes()
}

func (m *gradientModel) Clear() {
	m.net = nil
}

// Net exposes the underlying network, or nil before Load.
func (m *gradientModel) Net() *Net {
	return m.net
}

func (m *gradientModel) loaded() (*Net, error) {
	if m.net == nil {
		return nil, fmt.Errorf("%w: no definition loaded", ErrModelLoad)
	}
	return m.net, nil
}
