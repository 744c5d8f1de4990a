package stimulus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// DefaultSourceRate is the sampling rate of stored stimulus series.
const DefaultSourceRate = 20

type fileRecord struct {
	RateHz int                  `json:"rate_hz"`
	Series map[string][]float64 `json:"series"`
}

// Series is a named temperature time series sampled at RateHz.
type Series struct {
	Name   string
	RateHz int
	Values []float64
}

// Load reads the named series from a stimulus file. A missing rate defaults to
// DefaultSourceRate.
func Load(path, name string) (Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Series{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Series{}, fmt.Errorf("decode stimulus file %s: %w", path, err)
	}
	values, ok := rec.Series[name]
	if !ok {
		names := make([]string, 0, len(rec.Series))
		for n := range rec.Series {
			names = append(names, n)
		}
		sort.Strings(names)
		return Series{}, fmt.Errorf("stimulus %q not in %s (have %v)", name, path, names)
	}
	if len(values) == 0 {
		return Series{}, fmt.Errorf("stimulus %q in %s is empty", name, path)
	}
	rate := rec.RateHz
	if rate <= 0 {
		rate = DefaultSourceRate
	}
	return Series{Name: name, RateHz: rate, Values: values}, nil
}

func Save(path string, rateHz int, series map[string][]float64) error {
	data, err := json.Marshal(fileRecord{RateHz: rateHz, Series: series})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Resample linearly interpolates the series onto len*targetRate/RateHz evenly
// spaced points spanning [0, len]. Points past the last sample repeat it.
func (s Series) Resample(targetRate int) ([]float64, error) {
	if targetRate <= 0 || s.RateHz <= 0 {
		return nil, fmt.Errorf("rates must be > 0: source=%d target=%d", s.RateHz, targetRate)
	}
	return Interpolate(s.Values, len(s.Values)*targetRate/s.RateHz), nil
}

// Interpolate samples values (defined at 0, 1, ..., n-1) at count points evenly
// spaced over [0, n].
func Interpolate(values []float64, count int) []float64 {
	if count <= 0 || len(values) == 0 {
		return nil
	}
	n := len(values)
	positions := make([]float64, count)
	if count == 1 {
		positions[0] = 0
	} else {
		floats.Span(positions, 0, float64(n))
	}
	out := make([]float64, count)
	for i, x := range positions {
		switch {
		case x <= 0:
			out[i] = values[0]
		case x >= float64(n-1):
			out[i] = values[n-1]
		default:
			lo := int(x)
			frac := x - float64(lo)
			out[i] = values[lo] + frac*(values[lo+1]-values[lo])
		}
	}
	return out
}
