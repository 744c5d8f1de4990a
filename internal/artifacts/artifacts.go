package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"thermoablate/internal/model"
)

const (
	LossesFile    = "losses.json"
	LossesCSVFile = "losses.csv"
	RunFile       = "run.json"
	runIndexFile  = "run_index.json"
)

// Losses is the test-evaluation log of one retraining run. TestEval[i] is the
// global step at which TestRankErrors[i] was measured.
type Losses struct {
	TestEval       []int     `json:"test_eval"`
	TestRankErrors []float64 `json:"test_rank_errors"`
}

func LossesFromSamples(samples []model.EvalSample) Losses {
	losses := Losses{
		TestEval:       make([]int, 0, len(samples)),
		TestRankErrors: make([]float64, 0, len(samples)),
	}
	for _, s := range samples {
		losses.TestEval = append(losses.TestEval, s.Step)
		losses.TestRankErrors = append(losses.TestRankErrors, s.RankError)
	}
	return losses
}

// WriteLosses creates losses.json in runDir and refuses to overwrite an
// existing file.
func WriteLosses(runDir string, losses Losses) error {
	if len(losses.TestEval) != len(losses.TestRankErrors) {
		return fmt.Errorf("losses length mismatch: steps=%d errors=%d", len(losses.TestEval), len(losses.TestRankErrors))
	}
	data, err := json.MarshalIndent(losses, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	file, err := os.OpenFile(filepath.Join(runDir, LossesFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ReadLosses(runDir string) (Losses, bool, error) {
	var losses Losses
	ok, err := readJSON(filepath.Join(runDir, LossesFile), &losses)
	if err != nil || !ok {
		return Losses{}, ok, err
	}
	if len(losses.TestEval) != len(losses.TestRankErrors) {
		return Losses{}, false, fmt.Errorf("losses length mismatch in %s", runDir)
	}
	return losses, true, nil
}

// WriteLossesCSV writes the evaluation log as step,rank_error rows.
func WriteLossesCSV(runDir string, losses Losses) error {
	file, err := os.Create(filepath.Join(runDir, LossesCSVFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "rank_error"}); err != nil {
		return err
	}
	for i, step := range losses.TestEval {
		if err := writer.Write([]string{
			strconv.Itoa(step),
			strconv.FormatFloat(losses.TestRankErrors[i], 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteRunRecord(runDir string, run model.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	return writeJSON(filepath.Join(runDir, RunFile), run)
}

func ReadRunRecord(runDir string) (model.RunRecord, bool, error) {
	var run model.RunRecord
	ok, err := readJSON(filepath.Join(runDir, RunFile), &run)
	if err != nil || !ok {
		return model.RunRecord{}, ok, err
	}
	return run, true, nil
}

// RunIndexEntry summarizes one run in the base directory index.
type RunIndexEntry struct {
	RunID          string  `json:"run_id"`
	Condition      string  `json:"condition"`
	ModelPath      string  `json:"model_path"`
	OutputDir      string  `json:"output_dir"`
	GlobalSteps    int     `json:"global_steps"`
	FinalRankError float64 `json:"final_rank_error"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

func IndexEntry(run model.RunRecord) RunIndexEntry {
	final, _ := run.FinalRankError()
	return RunIndexEntry{
		RunID:          run.ID,
		Condition:      run.Condition,
		ModelPath:      run.ModelPath,
		OutputDir:      run.OutputDir,
		GlobalSteps:    run.GlobalSteps,
		FinalRankError: final,
		CreatedAtUTC:   run.CreatedAtUTC,
	}
}

// AppendRunIndex adds or replaces entry in the index under baseDir.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first; later entries win ties.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var entries []RunIndexEntry
	ok, err := readJSON(filepath.Join(baseDir, runIndexFile), &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []RunIndexEntry{}, nil
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRun copies the run's result files into outDir/<name of runDir>.
func ExportRun(runDir, outDir string) (string, error) {
	if _, err := os.Stat(runDir); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, filepath.Base(filepath.Dir(runDir))+"_"+filepath.Base(runDir))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range []string{LossesFile, RunFile, LossesCSVFile} {
		src := filepath.Join(runDir, file)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(src, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
