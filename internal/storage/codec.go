package storage

import (
	"encoding/json"
	"errors"

	"thermoablate/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeActivity(a model.ActivityRecord) ([]byte, error) {
	return json.Marshal(a)
}

func DecodeActivity(data []byte) (model.ActivityRecord, error) {
	var record model.ActivityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ActivityRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.ActivityRecord{}, err
	}
	return record, nil
}

// Versioned stamps the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
