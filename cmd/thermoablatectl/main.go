package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"thermoablate/internal/activity"
	"thermoablate/internal/artifacts"
	"thermoablate/internal/dataset"
	"thermoablate/internal/network"
	"thermoablate/internal/retrain"
	"thermoablate/internal/stimulus"
	"thermoablate/internal/storage"
)

const defaultDBPath = "thermoablate.db"

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "retrain":
		return runRetrain(ctx, args[1:])
	case "activity":
		return runActivity(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "losses":
		return runLosses(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// runInit writes freshly initialized model checkpoints under a base path.
func runInit(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	species := fs.String("species", string(network.Zebrafish), "species: zebrafish|celegans")
	base := fs.String("base", "", "directory receiving the model folders")
	count := fs.Int("count", 1, "number of model instances")
	prefix := fs.String("prefix", "mx_disc_3m512_", "model folder name prefix")
	seed := fs.Int64("seed", 1, "seed of the first instance; later instances increment it")
	definition := fs.String("definition", "", "definition file overriding the species default")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" {
		return errors.New("init requires --base")
	}
	if *count <= 0 {
		return errors.New("count must be > 0")
	}
	var (
		def network.Definition
		err error
	)
	if *definition != "" {
		def, err = network.ReadDefinition(*definition)
	} else {
		def, err = network.DefaultDefinition(network.Species(*species))
	}
	if err != nil {
		return err
	}
	for i := 0; i < *count; i++ {
		def.Seed = *seed + int64(i)
		data, err := network.CreateCheckpoint(filepath.Join(*base, fmt.Sprintf("%s%d", *prefix, i)), def)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "initialized model=%s species=%s seed=%d\n", data.Dir, def.Species, def.Seed)
	}
	return nil
}

func runRetrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrain", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON config file; explicit flags override it")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	species := fs.String("species", "", "species: zebrafish|celegans")
	base := fs.String("base", "", "directory holding the model folders")
	filter := fs.String("filter", retrain.DefaultModelFilter, "substring selecting model folders")
	train := fs.String("train", "", "forward training dataset")
	trainRev := fs.String("train-rev", "", "reversed training dataset")
	test := fs.String("test", "", "radial test dataset")
	stimFile := fs.String("stimulus", "", "stimulus file")
	stimName := fs.String("stimulus-name", "sine_L_H_temp", "stimulus series name")
	clusters := fs.String("clusters", "", "cluster assignment file")
	seed := fs.Int64("seed", 0, "seed for phase-order shuffling")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := defaultRetrainConfig()
	if *configPath != "" {
		loaded, err := loadRetrainConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	overrideRetrainFromFlags(&cfg, set, map[string]any{
		"store":         *storeKind,
		"db-path":       *dbPath,
		"species":       *species,
		"base":          *base,
		"filter":        *filter,
		"train":         *train,
		"train-rev":     *trainRev,
		"test":          *test,
		"stimulus":      *stimFile,
		"stimulus-name": *stimName,
		"clusters":      *clusters,
		"seed":          *seed,
	})
	if err := cfg.validate(); err != nil {
		return err
	}

	data, err := retrain.LoadDatasets(cfg.Train, cfg.TrainRev, cfg.Test, cfg.Seed)
	if err != nil {
		return err
	}
	stim, err := loadStimulus(cfg.Stimulus, cfg.StimulusName)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Store, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	batch := &retrain.Batch{
		Driver:   &retrain.Driver{Store: store, Out: stdout},
		Analyzer: activity.NewAnalyzer(data.Training[0].Standards(), store, stdout),
		Out:      stdout,
	}
	records, err := batch.Run(ctx, retrain.BatchConfig{
		BasePath:     cfg.Base,
		Filter:       cfg.Filter,
		Species:      network.Species(cfg.Species),
		ClustersPath: cfg.Clusters,
		Stimulus:     stim,
		Data:         data,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}
	total := 0
	for _, r := range records {
		total += r.GlobalSteps
	}
	fmt.Fprintf(stdout, "retrain completed runs=%d total_steps=%s store=%s\n", len(records), humanize.Comma(int64(total)), cfg.Store)
	return nil
}

func runActivity(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("activity", flag.ContinueOnError)
	modelPath := fs.String("model", "", "model folder")
	index := fs.Int("index", 0, "model index used in unit ids")
	standardsFrom := fs.String("standards-from", "", "dataset providing normalization statistics")
	stimFile := fs.String("stimulus", "", "stimulus file")
	stimName := fs.String("stimulus-name", "sine_L_H_temp", "stimulus series name")
	jsonOut := fs.Bool("json", false, "emit per-layer summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" || *standardsFrom == "" || *stimFile == "" {
		return errors.New("activity requires --model, --standards-from and --stimulus")
	}
	ref, err := dataset.Load(*standardsFrom)
	if err != nil {
		return err
	}
	stim, err := loadStimulus(*stimFile, *stimName)
	if err != nil {
		return err
	}
	act, ids, err := activity.NewAnalyzer(ref.Standards(), nil, nil).TemperatureActivity(ctx, *modelPath, stim, *index)
	if err != nil {
		return err
	}

	type layerItem struct {
		Layer  int `json:"layer"`
		Units  int `json:"units"`
		Steps  int `json:"steps"`
		Silent int `json:"silent_units"`
	}
	items := make([]layerItem, 0, len(act.Layers))
	for l, layer := range act.Layers {
		item := layerItem{Layer: l, Steps: len(layer)}
		if len(layer) > 0 {
			item.Units = len(layer[0])
			for u := 0; u < item.Units; u++ {
				silent := true
				for _, row := range layer {
					if row[u] != 0 {
						silent = false
						break
					}
				}
				if silent {
					item.Silent++
				}
			}
		}
		items = append(items, item)
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"model": *modelPath, "units": len(ids), "layers": items})
	}
	for _, item := range items {
		fmt.Fprintf(stdout, "layer=%d units=%d steps=%d silent_units=%d\n", item.Layer, item.Units, item.Steps, item.Silent)
	}
	fmt.Fprintf(stdout, "model=%s total_units=%d\n", *modelPath, len(ids))
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	base := fs.String("base", "", "model base directory holding the run index")
	storeKind := fs.String("store", "", "read runs from a store backend instead of the run index")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	var entries []artifacts.RunIndexEntry
	switch {
	case *storeKind != "":
		store, err := storage.NewStore(*storeKind, *dbPath)
		if err != nil {
			return err
		}
		defer func() {
			_ = storage.CloseIfSupported(store)
		}()
		if err := store.Init(ctx); err != nil {
			return err
		}
		runs, err := store.ListRuns(ctx)
		if err != nil {
			return err
		}
		for i := len(runs) - 1; i >= 0; i-- {
			entries = append(entries, artifacts.IndexEntry(runs[i]))
		}
	case *base != "":
		listed, err := artifacts.ListRunIndex(*base)
		if err != nil {
			return err
		}
		entries = listed
	default:
		return errors.New("runs requires --base or --store")
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s condition=%s model=%s steps=%d final_rank_error=%.6f\n",
			e.RunID, e.CreatedAtUTC, e.Condition, filepath.Base(e.ModelPath), e.GlobalSteps, e.FinalRankError)
	}
	return nil
}

func runLosses(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("losses", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "retrain output folder")
	jsonOut := fs.Bool("json", false, "emit losses as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return errors.New("losses requires --run-dir")
	}
	losses, ok, err := artifacts.ReadLosses(*runDir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s in %s", artifacts.LossesFile, *runDir)
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(losses)
	}
	for i, step := range losses.TestEval {
		fmt.Fprintf(stdout, "step=%d rank_error=%.6f\n", step, losses.TestRankErrors[i])
	}
	return nil
}

func runExport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "retrain output folder")
	outDir := fs.String("out", "exports", "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return errors.New("export requires --run-dir")
	}
	exportedDir, err := artifacts.ExportRun(*runDir, *outDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run=%s to=%s\n", filepath.Clean(*runDir), filepath.Clean(exportedDir))
	return nil
}

func loadStimulus(path, name string) (activity.Stimulus, error) {
	series, err := stimulus.Load(path, name)
	if err != nil {
		return activity.Stimulus{}, err
	}
	temps, err := series.Resample(network.FrameRate)
	if err != nil {
		return activity.Stimulus{}, err
	}
	return activity.Stimulus{Name: name, Temperature: temps}, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: thermoablatectl <init|retrain|activity|runs|losses|export> [flags]", msg)
}
