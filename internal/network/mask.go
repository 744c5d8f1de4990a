package network

import (
	"errors"
	"fmt"
)

var ErrInvalidMask = errors.New("invalid removal mask")

// FeedConfig carries the per-call switches of a forward pass. A zero
// KeepProbability disables stochastic dropout and nil RemovalMasks keeps every
// hidden unit.
type FeedConfig struct {
	KeepProbability float64
	RemovalMasks    [][]float64
}

func (c FeedConfig) keep() float64 {
	if c.KeepProbability <= 0 || c.KeepProbability > 1 {
		return 1
	}
	return c.KeepProbability
}

// FullMask returns all-ones removal vectors for the given layer sizes.
func FullMask(sizes []int) [][]float64 {
	masks := make([][]float64, len(sizes))
	for i, n := range sizes {
		masks[i] = make([]float64, n)
		for j := range masks[i] {
			masks[i][j] = 1
		}
	}
	return masks
}

// MaskFactors validates removal vectors against the hidden layer sizes and
// returns the per-unit multipliers mask[j] * n / sum(mask).
func MaskFactors(sizes []int, masks [][]float64) ([][]float64, error) {
	if masks == nil {
		masks = FullMask(sizes)
	}
	if len(masks) != len(sizes) {
		return nil, fmt.Errorf("%w: got %d vectors for %d hidden layers", ErrInvalidMask, len(masks), len(sizes))
	}
	factors := make([][]float64, len(sizes))
	for layer, n := range sizes {
		mask := masks[layer]
		if len(mask) != n {
			return nil, fmt.Errorf("%w: layer %d has %d entries, want %d", ErrInvalidMask, layer, len(mask), n)
		}
		kept := 0.0
		for unit, v := range mask {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("%w: layer %d unit %d has value %g", ErrInvalidMask, layer, unit, v)
			}
			kept += v
		}
		if kept == 0 {
			return nil, fmt.Errorf("%w: layer %d removes every unit", ErrInvalidMask, layer)
		}
		scale := float64(n) / kept
		factors[layer] = make([]float64, n)
		for unit, v := range mask {
			factors[layer][unit] = v * scale
		}
	}
	return factors, nil
}
