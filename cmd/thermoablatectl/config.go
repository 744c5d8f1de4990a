package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"thermoablate/internal/network"
	"thermoablate/internal/retrain"
	"thermoablate/internal/storage"
)

// retrainConfig mirrors the retrain flags so a batch can be described in one
// JSON file.
type retrainConfig struct {
	Store        string
	DBPath       string
	Species      string
	Base         string
	Filter       string
	Train        string
	TrainRev     string
	Test         string
	Stimulus     string
	StimulusName string
	Clusters     string
	Seed         int64
}

func defaultRetrainConfig() retrainConfig {
	return retrainConfig{
		Store:        storage.DefaultStoreKind(),
		DBPath:       defaultDBPath,
		Filter:       retrain.DefaultModelFilter,
		StimulusName: "sine_L_H_temp",
	}
}

func loadRetrainConfig(path string) (retrainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return retrainConfig{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return retrainConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg := defaultRetrainConfig()
	if v, ok := asString(raw["store"]); ok {
		cfg.Store = v
	}
	if v, ok := asString(raw["db_path"]); ok {
		cfg.DBPath = v
	}
	if v, ok := asString(raw["species"]); ok {
		cfg.Species = v
	}
	if v, ok := asString(raw["base_path"]); ok {
		cfg.Base = v
	}
	if v, ok := asString(raw["filter"]); ok {
		cfg.Filter = v
	}
	if v, ok := asString(raw["training_data"]); ok {
		cfg.Train = v
	}
	if v, ok := asString(raw["training_data_rev"]); ok {
		cfg.TrainRev = v
	}
	if v, ok := asString(raw["test_data"]); ok {
		cfg.Test = v
	}
	if v, ok := asString(raw["stimulus_file"]); ok {
		cfg.Stimulus = v
	}
	if v, ok := asString(raw["stimulus_name"]); ok {
		cfg.StimulusName = v
	}
	if v, ok := asString(raw["cluster_file"]); ok {
		cfg.Clusters = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	return cfg, nil
}

func overrideRetrainFromFlags(cfg *retrainConfig, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "store":
			cfg.Store = v.(string)
		case "db-path":
			cfg.DBPath = v.(string)
		case "species":
			cfg.Species = v.(string)
		case "base":
			cfg.Base = v.(string)
		case "filter":
			cfg.Filter = v.(string)
		case "train":
			cfg.Train = v.(string)
		case "train-rev":
			cfg.TrainRev = v.(string)
		case "test":
			cfg.Test = v.(string)
		case "stimulus":
			cfg.Stimulus = v.(string)
		case "stimulus-name":
			cfg.StimulusName = v.(string)
		case "clusters":
			cfg.Clusters = v.(string)
		case "seed":
			cfg.Seed = v.(int64)
		}
	}
}

func (c retrainConfig) validate() error {
	if _, err := network.DefaultDefinition(network.Species(c.Species)); err != nil {
		return err
	}
	if c.Base == "" {
		return errors.New("retrain requires a base path")
	}
	if c.Train == "" || c.TrainRev == "" || c.Test == "" {
		return errors.New("retrain requires training, reversed training and test datasets")
	}
	if c.Stimulus == "" || c.Clusters == "" {
		return errors.New("retrain requires a stimulus file and a cluster file")
	}
	return nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
