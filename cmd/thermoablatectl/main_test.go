package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"thermoablate/internal/ablation"
	"thermoablate/internal/artifacts"
	"thermoablate/internal/dataset"
	"thermoablate/internal/network"
	"thermoablate/internal/stimulus"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

type fixture struct {
	base, definition, train, trainRev, test, stim, clusters string
}

func writeFixture(t *testing.T, species network.Species) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		base:       filepath.Join(dir, "models"),
		definition: filepath.Join(dir, "definition.json"),
		train:      filepath.Join(dir, "gd_training_data.json"),
		trainRev:   filepath.Join(dir, "gd_training_data_rev.json"),
		test:       filepath.Join(dir, "gd_test_data_radial.json"),
		stim:       filepath.Join(dir, "stimFile.json"),
		clusters:   filepath.Join(dir, "cluster_info.json"),
	}
	def, err := network.DefaultDefinition(species)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	def.HistoryFrames = 8
	def.BinFrames = 2
	def.ConvFilters = 3
	def.Dense = []int{5, 4}
	if err := network.WriteDefinition(f.definition, def); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	for path, size := range map[string]int{f.train: 64, f.trainRev: 32, f.test: 64} {
		inputs := make([][]float64, size)
		targets := make([][]float64, size)
		for i := range inputs {
			inputs[i] = make([]float64, 24)
			for j := range inputs[i] {
				inputs[i][j] = rng.NormFloat64()
			}
			targets[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()}
		}
		d, err := dataset.New(3, 8, inputs, targets)
		if err != nil {
			t.Fatalf("dataset: %v", err)
		}
		if err := d.Save(path); err != nil {
			t.Fatalf("save dataset: %v", err)
		}
	}
	if err := stimulus.Save(f.stim, 20, map[string][]float64{"sine_L_H_temp": {22, 24, 26, 28}}); err != nil {
		t.Fatalf("save stimulus: %v", err)
	}
	labels := make(ablation.ClusterAssignment, 18)
	for i := range labels {
		labels[i] = (i % 9) % 8
	}
	if err := ablation.SaveClusters(f.clusters, labels); err != nil {
		t.Fatalf("save clusters: %v", err)
	}
	return f
}

func TestInitCreatesModels(t *testing.T) {
	out := captureStdout(t)
	f := writeFixture(t, network.Zebrafish)
	if err := run(context.Background(), []string{"init", "--base", f.base, "--count", "2", "--definition", f.definition}); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, name := range []string{"mx_disc_3m512_0", "mx_disc_3m512_1"} {
		data, err := network.ResolveModelData(filepath.Join(f.base, name))
		if err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
		if data.LastStep != 0 {
			t.Fatalf("unexpected step for %s: %d", name, data.LastStep)
		}
	}
	if strings.Count(out.String(), "initialized model=") != 2 {
		t.Fatalf("unexpected init output: %q", out.String())
	}
}

func TestRetrainEndToEndAndRerunSkips(t *testing.T) {
	out := captureStdout(t)
	f := writeFixture(t, network.Zebrafish)
	ctx := context.Background()
	if err := run(ctx, []string{"init", "--base", f.base, "--count", "2", "--definition", f.definition}); err != nil {
		t.Fatalf("init: %v", err)
	}
	args := []string{
		"retrain",
		"--store", "memory",
		"--species", "zebrafish",
		"--base", f.base,
		"--train", f.train,
		"--train-rev", f.trainRev,
		"--test", f.test,
		"--stimulus", f.stim,
		"--clusters", f.clusters,
	}
	if err := run(ctx, args); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if !strings.Contains(out.String(), "retrain completed runs=4 total_steps=12") {
		t.Fatalf("unexpected retrain output: %q", out.String())
	}
	for _, cond := range []string{"fl_retrain", "nfl_retrain"} {
		if _, err := os.Stat(filepath.Join(f.base, "mx_disc_3m512_0", cond, "weights-3.json")); err != nil {
			t.Fatalf("expected checkpoint for %s: %v", cond, err)
		}
	}

	out.Reset()
	if err := run(ctx, args); err != nil {
		t.Fatalf("second retrain: %v", err)
	}
	if !strings.Contains(out.String(), "retrain completed runs=0") {
		t.Fatalf("expected second invocation to skip, got %q", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"runs", "--base", f.base, "--json"}); err != nil {
		t.Fatalf("runs: %v", err)
	}
	var entries []artifacts.RunIndexEntry
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("decode runs output: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 indexed runs, got %d", len(entries))
	}

	out.Reset()
	runDir := filepath.Join(f.base, "mx_disc_3m512_1", "nfl_retrain")
	if err := run(ctx, []string{"losses", "--run-dir", runDir}); err != nil {
		t.Fatalf("losses: %v", err)
	}
	if !strings.HasPrefix(out.String(), "step=0 rank_error=") {
		t.Fatalf("unexpected losses output: %q", out.String())
	}

	exportDir := filepath.Join(t.TempDir(), "exports")
	if err := run(ctx, []string{"export", "--run-dir", runDir, "--out", exportDir}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "mx_disc_3m512_1_nfl_retrain", artifacts.LossesFile)); err != nil {
		t.Fatalf("expected exported losses: %v", err)
	}
}

func TestRetrainConfigFileWithFlagOverride(t *testing.T) {
	out := captureStdout(t)
	f := writeFixture(t, network.Elegans)
	ctx := context.Background()
	if err := run(ctx, []string{"init", "--base", f.base, "--count", "2", "--definition", f.definition}); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg := map[string]any{
		"store":             "memory",
		"species":           "celegans",
		"base_path":         f.base,
		"filter":            "_nomatch_",
		"training_data":     f.train,
		"training_data_rev": f.trainRev,
		"test_data":         f.test,
		"stimulus_file":     f.stim,
		"cluster_file":      f.clusters,
		"seed":              7,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "retrain.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := run(ctx, []string{"retrain", "--config", configPath}); err == nil {
		t.Fatal("expected no matching models for config filter")
	}
	if err := run(ctx, []string{"retrain", "--config", configPath, "--filter", "_3m512_"}); err != nil {
		t.Fatalf("retrain with override: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.base, "mx_disc_3m512_1", "cel_nontbranch_retrain", artifacts.RunFile)); err != nil {
		t.Fatalf("expected elegans run record: %v", err)
	}
	if !strings.Contains(out.String(), "runs=4") {
		t.Fatalf("unexpected retrain output: %q", out.String())
	}
}

func TestRetrainMissingDatasetIsFatal(t *testing.T) {
	captureStdout(t)
	f := writeFixture(t, network.Zebrafish)
	err := run(context.Background(), []string{
		"retrain",
		"--species", "zebrafish",
		"--base", f.base,
		"--train", filepath.Join(t.TempDir(), "missing.json"),
		"--train-rev", f.trainRev,
		"--test", f.test,
		"--stimulus", f.stim,
		"--clusters", f.clusters,
	})
	if err == nil || !strings.Contains(err.Error(), dataset.ErrDatasetLoad.Error()) {
		t.Fatalf("expected dataset load error, got: %v", err)
	}
}

func TestActivityCommand(t *testing.T) {
	out := captureStdout(t)
	f := writeFixture(t, network.Zebrafish)
	ctx := context.Background()
	if err := run(ctx, []string{"init", "--base", f.base, "--definition", f.definition}); err != nil {
		t.Fatalf("init: %v", err)
	}
	out.Reset()
	err := run(ctx, []string{
		"activity",
		"--model", filepath.Join(f.base, "mx_disc_3m512_0"),
		"--standards-from", f.train,
		"--stimulus", f.stim,
	})
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if !strings.Contains(out.String(), "layer=0 units=5 steps=13") || !strings.Contains(out.String(), "total_units=9") {
		t.Fatalf("unexpected activity output: %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "usage: thermoablatectl") {
		t.Fatalf("expected usage error, got: %v", err)
	}
	if err := run(context.Background(), nil); err == nil {
		t.Fatal("expected missing command error")
	}
}
