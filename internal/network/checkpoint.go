package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"thermoablate/internal/model"
)

const DefinitionFile = "definition.json"

var (
	ErrModelLoad     = errors.New("model load failed")
	ErrAlreadyLoaded = errors.New("model definition already loaded")
)

var weightsFilePattern = regexp.MustCompile(`^weights-(\d+)\.json$`)

// WeightsFile is the checkpoint file name for a global step.
func WeightsFile(step int) string {
	return fmt.Sprintf("weights-%d.json", step)
}

// ModelData resolves the definition and newest checkpoint under a model
// directory.
type ModelData struct {
	Dir            string
	Definition     string
	LastCheckpoint string
	LastStep       int
}

func ResolveModelData(dir string) (ModelData, error) {
	definition := filepath.Join(dir, DefinitionFile)
	if _, err := os.Stat(definition); err != nil {
		return ModelData{}, fmt.Errorf("%w: %s: %v", ErrModelLoad, dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ModelData{}, fmt.Errorf("%w: %s: %v", ErrModelLoad, dir, err)
	}
	lastStep := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := weightsFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		step, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if step > lastStep {
			lastStep = step
		}
	}
	if lastStep < 0 {
		return ModelData{}, fmt.Errorf("%w: %s: no checkpoint found", ErrModelLoad, dir)
	}
	return ModelData{
		Dir:            dir,
		Definition:     definition,
		LastCheckpoint: filepath.Join(dir, WeightsFile(lastStep)),
		LastStep:       lastStep,
	}, nil
}

type paramRecord struct {
	Name     string    `json:"name"`
	Tag      Tag       `json:"tag"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	Value    []float64 `json:"value"`
	AdamM    []float64 `json:"adam_m"`
	AdamV    []float64 `json:"adam_v"`
	AdamStep int       `json:"adam_step"`
}

type weightsRecord struct {
	model.VersionedRecord
	Step   int           `json:"step"`
	Params []paramRecord `json:"params"`
}

func ReadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	return def, nil
}

func WriteDefinition(path string, def Definition) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// SaveWeights writes every parameter and its optimizer state for step into dir.
func (n *Net) SaveWeights(dir string, step int) (string, error) {
	rec := weightsRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Step:            step,
	}
	for _, p := range n.params {
		rows, cols := p.Value.Dims()
		rec.Params = append(rec.Params, paramRecord{
			Name:     p.Name,
			Tag:      p.Tag,
			Rows:     rows,
			Cols:     cols,
			Value:    flatten(p.Value),
			AdamM:    flatten(p.m),
			AdamV:    flatten(p.v),
			AdamStep: p.step,
		})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, WeightsFile(step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LoadWeights restores parameters from a checkpoint written by SaveWeights.
func (n *Net) LoadWeights(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	var rec weightsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	if rec.SchemaVersion != CurrentSchemaVersion || rec.CodecVersion != CurrentCodecVersion {
		return 0, fmt.Errorf("%w: %s: version schema=%d codec=%d", ErrModelLoad, path, rec.SchemaVersion, rec.CodecVersion)
	}
	byName := make(map[string]paramRecord, len(rec.Params))
	for _, p := range rec.Params {
		byName[p.Name] = p
	}
	for _, p := range n.params {
		stored, ok := byName[p.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s: missing parameter %s", ErrModelLoad, path, p.Name)
		}
		rows, cols := p.Value.Dims()
		size := rows * cols
		if stored.Rows != rows || stored.Cols != cols || len(stored.Value) != size {
			return 0, fmt.Errorf("%w: %s: parameter %s is %dx%d, want %dx%d", ErrModelLoad, path, p.Name, stored.Rows, stored.Cols, rows, cols)
		}
		p.Value = mat.NewDense(rows, cols, append([]float64(nil), stored.Value...))
		p.m = restoreMoment(stored.AdamM, rows, cols)
		p.v = restoreMoment(stored.AdamV, rows, cols)
		p.step = stored.AdamStep
	}
	return rec.Step, nil
}

func flatten(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func restoreMoment(values []float64, rows, cols int) *mat.Dense {
	if len(values) != rows*cols {
		return mat.NewDense(rows, cols, nil)
	}
	return mat.NewDense(rows, cols, append([]float64(nil), values...))
}

// CreateCheckpoint builds a freshly initialized model for def and stores it as
// step 0 under dir.
func CreateCheckpoint(dir string, def Definition) (ModelData, error) {
	net, err := Build(def)
	if err != nil {
		return ModelData{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ModelData{}, err
	}
	if err := WriteDefinition(filepath.Join(dir, DefinitionFile), def); err != nil {
		return ModelData{}, err
	}
	if _, err := net.SaveWeights(dir, 0); err != nil {
		return ModelData{}, err
	}
	return ResolveModelData(dir)
}
