package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Filename != DefaultDatabaseFile {
		t.Fatalf("database filename = %s", cfg.Database.Filename)
	}
	if cfg.General.Parallelism != DefaultParallelism {
		t.Fatalf("parallelism = %d", cfg.General.Parallelism)
	}
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colcon-distro.yaml")
	body := `
distro:
  repository: https://github.com/ros/rosdistro
  distributions: [noetic]
  branches: [master]
  python_version: 3
cache:
  metadata_inclusions: [vcs_type]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Distro.Repository != "https://github.com/ros/rosdistro" {
		t.Fatalf("repository = %s", cfg.Distro.Repository)
	}
	if cfg.General.Parallelism != DefaultParallelism {
		t.Fatalf("parallelism should default, got %d", cfg.General.Parallelism)
	}
	if len(cfg.Cache.MetadataInclusions) != 1 || cfg.Cache.MetadataInclusions[0] != "vcs_type" {
		t.Fatalf("metadata inclusions = %v", cfg.Cache.MetadataInclusions)
	}
}

func TestPublishROSPythonVersion(t *testing.T) {
	cfg := &Config{Distro: Distro{PythonVersion: 3}}
	t.Cleanup(func() { os.Unsetenv(ROSPythonVersionEnvVar) })
	if err := cfg.PublishROSPythonVersion(); err != nil {
		t.Fatalf("PublishROSPythonVersion: %v", err)
	}
	if got := os.Getenv(ROSPythonVersionEnvVar); got != "3" {
		t.Fatalf("env = %q", got)
	}
}
