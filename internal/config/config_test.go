package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redfish.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %s", cfg.Server.Address)
	}
	if cfg.Storage.RunStore.Driver != "memory" || cfg.Storage.RunStore.Retries != 3 {
		t.Fatalf("run store defaults: %+v", cfg.Storage.RunStore)
	}
	if cfg.RunQueue.Driver != "memory" || cfg.RunQueue.Worker != 4 {
		t.Fatalf("queue defaults: %+v", cfg.RunQueue)
	}
	if cfg.Backend.Driver != "gnark" {
		t.Fatalf("backend driver = %s", cfg.Backend.Driver)
	}
	if cfg.Artifacts.Driver != "fs" || cfg.Artifacts.Path != filepath.Join(dir, "data", "artifacts") {
		t.Fatalf("artifact defaults: %+v", cfg.Artifacts)
	}
	if cfg.Pipeline.Model.InputSize != 16 || len(cfg.Pipeline.Model.Weights) != 16 {
		t.Fatalf("model defaults: %+v", cfg.Pipeline.Model)
	}
	if cfg.Pipeline.Normalization.Center != 50 || cfg.Pipeline.Normalization.Scale != 250 || cfg.Pipeline.Normalization.ClampBound != 2.5 {
		t.Fatalf("normalization defaults: %+v", cfg.Pipeline.Normalization)
	}
	if cfg.Pipeline.Auxiliary.Source != "deterministic" || cfg.Pipeline.Auxiliary.Seed != 42 {
		t.Fatalf("auxiliary defaults: %+v", cfg.Pipeline.Auxiliary)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redfish.json")
	doc := `{
        "server": {"address": ":9090"},
        "storage": {"run_store": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/redfish"}},
        "run_queue": {"driver": "redis", "worker": 2, "redis": {"address": "localhost:6379"}},
        "backend": {"driver": "stub"},
        "pipeline": {
            "normalization": {"center": 100, "scale": 500, "clamp_bound": 3},
            "reject_zero_quantity": true,
            "schema_path": "schema.yaml"
        }
    }`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address = %s", cfg.Server.Address)
	}
	if cfg.Storage.RunStore.Driver != "mysql" {
		t.Fatalf("driver = %s", cfg.Storage.RunStore.Driver)
	}
	if cfg.RunQueue.Driver != "redis" || cfg.RunQueue.Worker != 2 {
		t.Fatalf("queue: %+v", cfg.RunQueue)
	}
	if cfg.Pipeline.Normalization.Center != 100 {
		t.Fatalf("normalization: %+v", cfg.Pipeline.Normalization)
	}
	if !cfg.Pipeline.RejectZeroQuantity {
		t.Fatal("reject_zero_quantity not applied")
	}
	if cfg.Pipeline.SchemaPath != filepath.Join(dir, "schema.yaml") {
		t.Fatalf("schema path = %s", cfg.Pipeline.SchemaPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
