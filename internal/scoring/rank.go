package scoring

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DenseRanks assigns each value its index among the sorted distinct values,
// so equal values share a rank.
func DenseRanks(values []float64) []int {
	distinct := append([]float64(nil), values...)
	sort.Float64s(distinct)
	unique := distinct[:0]
	for _, v := range distinct {
		if len(unique) == 0 || v != unique[len(unique)-1] {
			unique = append(unique, v)
		}
	}
	ranks := make([]int, len(values))
	for i, v := range values {
		ranks[i] = sort.SearchFloat64s(unique, v)
	}
	return ranks
}

// RankError compares per-row option rankings of targets and predictions and
// returns the mean over rows of the summed absolute rank differences. Ranks
// are dense: tied values share a rank instead of being ordered by index.
func RankError(targets, predictions mat.Matrix) (float64, error) {
	rows, cols := targets.Dims()
	pRows, pCols := predictions.Dims()
	if rows != pRows || cols != pCols {
		return 0, fmt.Errorf("rank error shape mismatch: targets %dx%d predictions %dx%d", rows, cols, pRows, pCols)
	}
	if rows == 0 {
		return 0, fmt.Errorf("rank error needs at least one row")
	}
	total := 0.0
	for i := 0; i < rows; i++ {
		truth := DenseRanks(mat.Row(nil, i, targets))
		pred := DenseRanks(mat.Row(nil, i, predictions))
		for j := range truth {
			total += math.Abs(float64(truth[j] - pred[j]))
		}
	}
	return total / float64(rows), nil
}
