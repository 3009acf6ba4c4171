// Package config loads the immutable configuration record the engine is
// constructed from (spec §6), the Go analogue of colcon_distro's Config
// class but backed by YAML instead of TOML, matching the rest of this
// module's YAML-first serialization story.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/colcon-tools/distrocache"
)

const (
	// DefaultDatabaseFile is the sqlite filename used when the config file
	// does not set one.
	DefaultDatabaseFile = "distro.db"
	// DefaultParallelism bounds simultaneous scoped downloads absent an
	// explicit override.
	DefaultParallelism = 8
	// DistIndexYAMLFile is the fixed name of the top-level index file
	// within the distribution repository (spec §6).
	DistIndexYAMLFile = "index.yaml"
	// GitLabTokenEnvVar names the environment variable consulted for
	// GitLab API and LFS batch auth.
	GitLabTokenEnvVar = "GITLAB_PRIVATE_TOKEN"
	// ROSPythonVersionEnvVar is set from Distro.PythonVersion before any
	// discovery runs, matching colcon_distro's own os.environ assignment.
	ROSPythonVersionEnvVar = "ROS_PYTHON_VERSION"
)

// Distro holds the distribution index repository coordinates.
type Distro struct {
	Repository    string   `yaml:"repository"`
	Distributions []string `yaml:"distributions"`
	Branches      []string `yaml:"branches"`
	PythonVersion int      `yaml:"python_version"`
}

// Database holds sqlite storage settings.
type Database struct {
	Filename string `yaml:"filename"`
}

// General holds process-wide tuning knobs.
type General struct {
	Parallelism int `yaml:"parallelism"`
}

// Cache holds the metadata allowlist applied to serialized output.
type Cache struct {
	MetadataInclusions []string `yaml:"metadata_inclusions"`
}

// Config is the immutable record handed to the engine at construction.
type Config struct {
	Distro   Distro   `yaml:"distro"`
	Database Database `yaml:"database"`
	General  General  `yaml:"general"`
	Cache    Cache    `yaml:"cache"`
}

// Load reads and parses path, applying defaults for any field the file
// leaves unset. A missing file is not an error: colcon_distro's own Config
// class tolerates an absent config file and runs entirely on defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Database: Database{Filename: DefaultDatabaseFile},
		General:  General{Parallelism: DefaultParallelism},
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "config.Load", Inner: err}
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInvalid, Op: "config.Load", Message: "parsing " + path, Inner: err}
	}
	if cfg.Database.Filename == "" {
		cfg.Database.Filename = DefaultDatabaseFile
	}
	if cfg.General.Parallelism <= 0 {
		cfg.General.Parallelism = DefaultParallelism
	}
	return cfg, nil
}

// PublishROSPythonVersion sets ROS_PYTHON_VERSION from c.Distro.PythonVersion
// in the process environment. The server entry point calls this once, right
// after loading the config and before constructing the engine, so it is set
// before any discovery runs, matching colcon_distro's config-load-time side
// effect.
func (c *Config) PublishROSPythonVersion() error {
	if c.Distro.PythonVersion == 0 {
		return nil
	}
	if err := os.Setenv(ROSPythonVersionEnvVar, strconv.Itoa(c.Distro.PythonVersion)); err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Config.PublishROSPythonVersion", Inner: err}
	}
	return nil
}
