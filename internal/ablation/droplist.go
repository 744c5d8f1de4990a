package ablation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"thermoablate/internal/model"
)

var ErrAssignmentMismatch = errors.New("cluster assignment does not match unit ids")

// ClusterAssignment maps a global unit index to its cluster label.
// model.Unclustered marks units without a cluster.
type ClusterAssignment []int

type clusterFile struct {
	ClustIDs []int `json:"clust_ids"`
}

func LoadClusters(path string) (ClusterAssignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec clusterFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cluster file %s: %w", path, err)
	}
	if rec.ClustIDs == nil {
		return nil, fmt.Errorf("cluster file %s has no clust_ids", path)
	}
	return ClusterAssignment(rec.ClustIDs), nil
}

func SaveClusters(path string, clusters ClusterAssignment) error {
	data, err := json.Marshal(clusterFile{ClustIDs: clusters})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CreateDetDropList builds the removal masks for one model instance: every
// unit of modelIndex whose label is in targets gets 0, all others 1.
// Unclustered units are never removed.
func CreateDetDropList(modelIndex int, clusters ClusterAssignment, unitIDs []model.UnitID, layerSizes []int, targets []int) ([][]float64, error) {
	if len(clusters) != len(unitIDs) {
		return nil, fmt.Errorf("%w: %d labels for %d units", ErrAssignmentMismatch, len(clusters), len(unitIDs))
	}
	remove := make(map[int]struct{}, len(targets))
	for _, label := range targets {
		if label == model.Unclustered {
			continue
		}
		remove[label] = struct{}{}
	}

	masks := make([][]float64, len(layerSizes))
	for layer, n := range layerSizes {
		masks[layer] = make([]float64, n)
		for unit := range masks[layer] {
			masks[layer][unit] = 1
		}
	}
	for i, id := range unitIDs {
		if id.Model != modelIndex {
			continue
		}
		if id.Layer < 0 || id.Layer >= len(layerSizes) || id.Unit < 0 || id.Unit >= layerSizes[id.Layer] {
			return nil, fmt.Errorf("%w: unit %+v outside layer sizes %v", ErrAssignmentMismatch, id, layerSizes)
		}
		label := clusters[i]
		if label == model.Unclustered {
			continue
		}
		if _, ok := remove[label]; ok {
			masks[id.Layer][id.Unit] = 0
		}
	}
	return masks, nil
}

// Complement returns the labels in [0, numClusters) that are not in like.
func Complement(like []int, numClusters int) []int {
	skip := make(map[int]struct{}, len(like))
	for _, label := range like {
		skip[label] = struct{}{}
	}
	out := make([]int, 0, numClusters)
	for label := 0; label < numClusters; label++ {
		if _, ok := skip[label]; !ok {
			out = append(out, label)
		}
	}
	return out
}

// Removed counts zeroed units per layer.
func Removed(masks [][]float64) []int {
	counts := make([]int, len(masks))
	for layer, mask := range masks {
		for _, v := range mask {
			if v == 0 {
				counts[layer]++
			}
		}
	}
	return counts
}

// Labels lists the distinct labels present in the assignment, ascending.
func (c ClusterAssignment) Labels() []int {
	seen := make(map[int]struct{})
	for _, label := range c {
		seen[label] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for label := range seen {
		out = append(out, label)
	}
	sort.Ints(out)
	return out
}
