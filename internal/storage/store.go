package storage

import (
	"context"

	"thermoablate/internal/model"
)

// Store persists retraining runs and cached hidden-unit activity.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveActivity(ctx context.Context, record model.ActivityRecord) error
	GetActivity(ctx context.Context, modelPath, stimulus string) (model.ActivityRecord, bool, error)
}

// ActivityKey identifies one cached activity record.
func ActivityKey(modelPath, stimulus string) string {
	return modelPath + "|" + stimulus
}
