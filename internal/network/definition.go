package network

import (
	"fmt"

	"thermoablate/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// Frame timing shared by the simulation, the datasets and the models.
const (
	FrameRate      = 100
	ModelRate      = 5
	HistorySeconds = 4
)

type Species string

const (
	Zebrafish Species = "zebrafish"
	Elegans   Species = "celegans"
)

// Layout selects how input channels reach the convolution stage.
type Layout string

const (
	// LayoutMixed convolves all channels jointly with one filter bank.
	LayoutMixed Layout = "mixed"
	// LayoutSeparate gives each input channel its own filter bank.
	LayoutSeparate Layout = "separate"
)

// Tag names a trainable parameter group for selective training.
type Tag string

const (
	TagTemperature Tag = "temperature"
	TagSpeed       Tag = "speed"
	TagHeading     Tag = "heading"
	TagMixed       Tag = "mixed"
)

// ChannelTags maps input channel index to the tag of its branch in the
// separate layout.
var ChannelTags = []Tag{TagTemperature, TagSpeed, TagHeading}

type Definition struct {
	model.VersionedRecord
	Species       Species `json:"species"`
	Layout        Layout  `json:"layout"`
	Channels      int     `json:"channels"`
	HistoryFrames int     `json:"history_frames"`
	BinFrames     int     `json:"bin_frames"`
	ConvFilters   int     `json:"conv_filters"`
	Dense         []int   `json:"dense"`
	Outputs       int     `json:"outputs"`
	Activation    string  `json:"activation"`
	WeightDecay   float64 `json:"weight_decay"`
	LearningRate  float64 `json:"learning_rate"`
	KeepTrain     float64 `json:"keep_train"`
	Seed          int64   `json:"seed"`
}

func ZebrafishDefinition() Definition {
	return Definition{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Species:         Zebrafish,
		Layout:          LayoutMixed,
		Channels:        3,
		HistoryFrames:   FrameRate * HistorySeconds,
		BinFrames:       FrameRate / ModelRate,
		ConvFilters:     40,
		Dense:           []int{512, 512, 512},
		Outputs:         4,
		Activation:      "relu",
		WeightDecay:     1e-4,
		LearningRate:    1e-4,
		KeepTrain:       0.5,
		Seed:            1,
	}
}

// ElegansDefinition uses one filter bank per channel so the temperature
// branch can be retrained apart from the shared layers.
func ElegansDefinition() Definition {
	def := ZebrafishDefinition()
	def.Species = Elegans
	def.Layout = LayoutSeparate
	def.ConvFilters = 20
	return def
}

// DefaultDefinition returns the standard architecture for a species.
func DefaultDefinition(species Species) (Definition, error) {
	switch species {
	case Zebrafish:
		return ZebrafishDefinition(), nil
	case Elegans:
		return ElegansDefinition(), nil
	default:
		return Definition{}, fmt.Errorf("unsupported species: %s", species)
	}
}

func (d Definition) BinnedFrames() int {
	return d.HistoryFrames / d.BinFrames
}

func (d Definition) InputWidth() int {
	return d.Channels * d.HistoryFrames
}

// ConvUnits is the width of the concatenated convolution output.
func (d Definition) ConvUnits() int {
	if d.Layout == LayoutSeparate {
		return d.Channels * d.ConvFilters
	}
	return d.ConvFilters
}

func (d Definition) HiddenSizes() []int {
	return append([]int(nil), d.Dense...)
}

func (d Definition) Validate() error {
	if d.SchemaVersion != CurrentSchemaVersion || d.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("definition version mismatch: schema=%d codec=%d", d.SchemaVersion, d.CodecVersion)
	}
	switch d.Species {
	case Zebrafish, Elegans:
	default:
		return fmt.Errorf("unsupported species: %q", d.Species)
	}
	switch d.Layout {
	case LayoutMixed:
	case LayoutSeparate:
		if d.Channels > len(ChannelTags) {
			return fmt.Errorf("separate layout supports at most %d channels, got %d", len(ChannelTags), d.Channels)
		}
	default:
		return fmt.Errorf("unsupported layout: %q", d.Layout)
	}
	if d.Channels <= 0 || d.HistoryFrames <= 0 || d.BinFrames <= 0 {
		return fmt.Errorf("channels, history and bin frames must be > 0")
	}
	if d.HistoryFrames%d.BinFrames != 0 {
		return fmt.Errorf("history frames %d not divisible by bin frames %d", d.HistoryFrames, d.BinFrames)
	}
	if d.ConvFilters <= 0 || d.Outputs <= 0 {
		return fmt.Errorf("conv filters and outputs must be > 0")
	}
	if len(d.Dense) == 0 {
		return fmt.Errorf("at least one dense hidden layer is required")
	}
	for i, n := range d.Dense {
		if n <= 0 {
			return fmt.Errorf("dense layer %d must have > 0 units", i)
		}
	}
	if d.KeepTrain <= 0 || d.KeepTrain > 1 {
		return fmt.Errorf("keep_train must be in (0,1], got %g", d.KeepTrain)
	}
	if d.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0")
	}
	return nil
}
