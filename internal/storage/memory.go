package storage

import (
	"context"
	"sort"
	"sync"

	"thermoablate/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	activity    map[string]model.ActivityRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.activity = make(map[string]model.ActivityRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	return cloneRun(run), true, nil
}

// ListRuns returns every run ordered by creation time, then ID.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, cloneRun(run))
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveActivity(_ context.Context, record model.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activity[ActivityKey(record.ModelPath, record.Stimulus)] = cloneActivity(record)
	return nil
}

func (s *MemoryStore) GetActivity(_ context.Context, modelPath, stimulus string) (model.ActivityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.activity[ActivityKey(modelPath, stimulus)]
	if !ok {
		return model.ActivityRecord{}, false, nil
	}
	return cloneActivity(record), true, nil
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}

func cloneRun(run model.RunRecord) model.RunRecord {
	run.Targets = append([]int(nil), run.Targets...)
	run.TrainTags = append([]string(nil), run.TrainTags...)
	run.Evaluations = append([]model.EvalSample(nil), run.Evaluations...)
	return run
}

func cloneActivity(record model.ActivityRecord) model.ActivityRecord {
	layers := make([][][]float64, len(record.Layers))
	for l, layer := range record.Layers {
		rows := make([][]float64, len(layer))
		for i, row := range layer {
			rows[i] = append([]float64(nil), row...)
		}
		layers[l] = rows
	}
	record.Layers = layers
	record.UnitIDs = append([]model.UnitID(nil), record.UnitIDs...)
	return record
}
