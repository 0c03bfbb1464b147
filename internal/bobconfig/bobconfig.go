// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bobconfig loads the project-root configuration that drives a
// `bob` invocation: concurrency, an environment whitelist and extra
// environment variables, the develop-dir and state-store
// locations, and which archive backend (if any) to wire up. A YAML file
// is read with os.ReadFile, unmarshaled with gopkg.in/yaml.v3, defaults
// applied where a field was left zero, and an optional .env overlay
// merged in with github.com/joho/godotenv.
package bobconfig

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when a Config field is left at its zero value.
const (
	DefaultJobs           = 4
	DefaultStateDBPath    = ".bob-state.bolt"
	DefaultDevelopDirPath = ".bob-dev-dirs.sqlite3"
)

// ArchiveBackend names which archive.Archive implementation to construct.
type ArchiveBackend string

const (
	ArchiveNone  ArchiveBackend = ""
	ArchiveLocal ArchiveBackend = "local"
	ArchiveGCS   ArchiveBackend = "gcs"
)

// ArchiveConfig configures whichever archive backend Backend selects.
// Only the fields relevant to Backend are consulted.
type ArchiveConfig struct {
	Backend ArchiveBackend `yaml:"backend,omitempty"`

	// Local backend.
	Directory string `yaml:"directory,omitempty"`

	// GCS backend.
	Bucket string `yaml:"bucket,omitempty"`

	// Shared depth limits, 0 meaning unlimited.
	MaxDownloadDepth int `yaml:"maxDownloadDepth,omitempty"`
	MaxUploadDepth   int `yaml:"maxUploadDepth,omitempty"`

	// LiveIDCacheDSN, if set, gives the GCS backend a
	// PostgresLiveIDCache; without it GCS has no live-id cache. The
	// local backend ignores this field and always keeps its own gob
	// file.
	LiveIDCacheDSN string `yaml:"liveIdCacheDsn,omitempty"`
}

// Config is the project-root configuration for one `bob` invocation.
type Config struct {
	// Jobs bounds the scheduler's concurrency semaphore. Defaults to
	// DefaultJobs.
	Jobs int `yaml:"jobs,omitempty"`

	// KeepGoing continues scheduling unrelated steps after a failure
	// instead of cancelling the whole run.
	KeepGoing bool `yaml:"keepGoing,omitempty"`

	// EnvWhitelist is a project-wide environment-variable whitelist.
	// It is loaded but not passed on: the executor composes every
	// step's wrapper with an empty whitelist.
	EnvWhitelist []string `yaml:"envWhitelist,omitempty"`

	// StateDBPath is the path to the persistent state store's bbolt
	// file, relative to the project root unless absolute. Defaults to
	// DefaultStateDBPath.
	StateDBPath string `yaml:"stateDbPath,omitempty"`

	// DevelopDirPath is the path to the Develop-Dir Oracle's sqlite
	// file, relative to the project root unless absolute. Defaults to
	// DefaultDevelopDirPath.
	DevelopDirPath string `yaml:"developDirPath,omitempty"`

	// Archive configures the optional remote artifact store. A zero
	// value (Backend == ArchiveNone) means no archive is wired up and
	// every step always runs locally.
	Archive ArchiveConfig `yaml:"archive,omitempty"`

	// Env holds additional environment variables, merged over any
	// EnvFile contents (Env wins when both set the same key). cmd/bob
	// does not export them to the steps.
	Env map[string]string `yaml:"env,omitempty"`
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Jobs == 0 {
		c.Jobs = DefaultJobs
	}
	if c.StateDBPath == "" {
		c.StateDBPath = DefaultStateDBPath
	}
	if c.DevelopDirPath == "" {
		c.DevelopDirPath = DefaultDevelopDirPath
	}
}

// Load reads and parses the YAML config file at path, applying defaults
// to any field left unset. If envFilePath is non-empty, it is read with
// godotenv and merged into c.Env, with the YAML-declared Env values
// overlaid on top as overrides.
func Load(path string, envFilePath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bobconfig: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bobconfig: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	if envFilePath != "" {
		envMap, err := godotenv.Read(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("bobconfig: reading env file %s: %w", envFilePath, err)
		}
		declared := cfg.Env
		cfg.Env = envMap
		maps.Copy(cfg.Env, declared)
	}

	return &cfg, nil
}

// ResolvePath joins a possibly-relative config path against root, leaving
// absolute paths untouched.
func ResolvePath(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
