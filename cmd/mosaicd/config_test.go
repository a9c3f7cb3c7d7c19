package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deepsynoptic/mosaicd"
)

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mosaicd.yaml")
	doc := `
state_dir: /var/lib/mosaicd
archive_root: /data/archive
helper_bin: /usr/local/bin/casa-helper
max_workers: 8
group:
  n: 10
  overlap_k: 2
redis:
  address: redis:6379
`
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/var/lib/mosaicd" || cfg.ArchiveRoot != "/data/archive" {
		t.Errorf("paths not loaded: %+v", cfg)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("max_workers = %d, want 8", cfg.MaxWorkers)
	}
	// Untouched fields keep their defaults.
	if cfg.BPValidityHours != 12 || cfg.ImagingSuccessFraction != 0.75 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Redis == nil || cfg.Redis.Address != "redis:6379" {
		t.Errorf("redis config not loaded: %+v", cfg.Redis)
	}

	t.Setenv("MOSAICD_STATE_DIR", "/override/state")
	cfg, err = LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/override/state" {
		t.Errorf("env override ignored: %s", cfg.StateDir)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := []string{
		"archive_root: /data\n", // no state_dir
		"state_dir: /s\narchive_root: /a\nimaging_success_fraction: 1.5\n",
		"state_dir: /s\narchive_root: /a\ngroup: {n: 2, overlap_k: 0}\n",
		"state_dir: /s\narchive_root: /a\ngroup: {n: 10, overlap_k: 10}\n",
	}
	for i, doc := range cases {
		p := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(p); mosaicd.CodeOf(err) != mosaicd.Config {
			t.Errorf("case %d: expected Config error, got %v", i, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); mosaicd.CodeOf(err) != mosaicd.Config {
		t.Errorf("expected Config error, got %v", err)
	}
}
