package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Fields.MaxObsFields != 32 || cfg.Fields.MaxVarFields != 8 {
		t.Errorf("unexpected field cache bounds: %+v", cfg.Fields)
	}
	if cfg.Edges.ShuffleSeed != 42 {
		t.Errorf("ShuffleSeed = %d, want 42", cfg.Edges.ShuffleSeed)
	}
}

func TestLoadAppliesDefaultsForMissingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	content := `
server:
  port: 9999
data:
  datasets:
    pbmc:
      path: ./data/pbmc
fields:
  max_obs_fields: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Fields.MaxObsFields != 4 {
		t.Errorf("MaxObsFields = %d, want 4", cfg.Fields.MaxObsFields)
	}
	// Defaults filled in for everything unspecified.
	if cfg.Fields.MaxVarFields != 8 {
		t.Errorf("MaxVarFields = %d, want default 8", cfg.Fields.MaxVarFields)
	}
	if cfg.Cache.BufferSizeMB != 256 {
		t.Errorf("BufferSizeMB = %d, want default 256", cfg.Cache.BufferSizeMB)
	}
	// With no default_dataset configured, the single dataset becomes default.
	if cfg.Data.DefaultDataset != "pbmc" {
		t.Errorf("DefaultDataset = %q, want pbmc", cfg.Data.DefaultDataset)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDatasetIDsDefaultFirst(t *testing.T) {
	cfg := &Config{
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"a": {Path: "./a"},
				"b": {Path: "./b"},
			},
			DefaultDataset: "b",
		},
	}
	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "b" {
		t.Fatalf("DatasetIDs = %v, want default first", ids)
	}
}
