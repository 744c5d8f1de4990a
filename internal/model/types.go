package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Unclustered marks a hidden unit that was not assigned to any cluster.
const Unclustered = -1

// UnitID locates one hidden unit across all analyzed model instances.
type UnitID struct {
	Model int `json:"model"`
	Layer int `json:"layer"`
	Unit  int `json:"unit"`
}

// Standards holds per-channel input normalization statistics.
type Standards struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s Standards) Clone() Standards {
	return Standards{
		Mean:  append([]float64(nil), s.Mean...),
		Scale: append([]float64(nil), s.Scale...),
	}
}

type EvalSample struct {
	Step      int     `json:"step"`
	RankError float64 `json:"rank_error"`
}

type RunRecord struct {
	VersionedRecord
	ID           string       `json:"id"`
	ModelPath    string       `json:"model_path"`
	Condition    string       `json:"condition"`
	Species      string       `json:"species"`
	OutputDir    string       `json:"output_dir"`
	Targets      []int        `json:"targets"`
	TrainTags    []string     `json:"train_tags,omitempty"`
	Phase1Steps  int          `json:"phase1_steps"`
	Phase2Steps  int          `json:"phase2_steps"`
	GlobalSteps  int          `json:"global_steps"`
	Checkpoint   string       `json:"checkpoint"`
	Evaluations  []EvalSample `json:"evaluations"`
	CreatedAtUTC string       `json:"created_at_utc"`
}

// FinalRankError returns the last recorded test rank error, if any.
func (r RunRecord) FinalRankError() (float64, bool) {
	if len(r.Evaluations) == 0 {
		return 0, false
	}
	return r.Evaluations[len(r.Evaluations)-1].RankError, true
}

// ActivityRecord caches hidden activity for one model and stimulus. The
// record is only valid for the weights file named by Checkpoint.
type ActivityRecord struct {
	VersionedRecord
	ModelPath  string        `json:"model_path"`
	Checkpoint string        `json:"checkpoint"`
	Stimulus   string        `json:"stimulus"`
	ModelIndex int           `json:"model_index"`
	Layers     [][][]float64 `json:"layers"`
	UnitIDs    []UnitID      `json:"unit_ids"`
}
