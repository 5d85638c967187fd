// Copyright 2025 Poiesic Systems
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

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "REGSEARCH_"

// Paths are searched in order when no explicit file is given; the first
// existing file wins.
var Paths = []string{
	"./regsearch.yaml",
	"~/.config/regsearch/config.yaml",
}

// Load builds the configuration from defaults, then the YAML file at path
// (or the first of Paths that exists when path is empty), then REGSEARCH_*
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path, _ = FindFile()
	} else if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension: %s", path)
	}
	if path != "" {
		if err := loadFile(cfg, ExpandPath(path)); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Workflow.MasterKeyFile = ExpandPath(cfg.Workflow.MasterKeyFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg; keys absent from the file keep their current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	mappings := map[string]func(string) error{
		"LOG_LEVEL": func(v string) error { cfg.LogLevel = v; return nil },

		"STORAGE_PATH":      func(v string) error { cfg.Storage.Path = v; return nil },
		"STORAGE_IN_MEMORY": func(v string) error { return parseBool(v, &cfg.Storage.InMemory) },

		"AI_ENDPOINT":            func(v string) error { cfg.AI.Endpoint = v; return nil },
		"AI_MODEL":               func(v string) error { cfg.AI.Model = v; return nil },
		"AI_API_KEY":             func(v string) error { cfg.AI.APIKey = v; return nil },
		"AI_DIMENSION":           func(v string) error { return parseInt(v, &cfg.AI.Dimension) },
		"AI_MAX_IN_FLIGHT":       func(v string) error { return parseInt(v, &cfg.AI.MaxInFlight) },
		"AI_TIMEOUT":             func(v string) error { return parseDuration(v, &cfg.AI.Timeout) },
		"AI_REQUESTS_PER_SECOND": func(v string) error { return parseFloat(v, &cfg.AI.RequestsPerSecond) },

		"INGESTION_WORKERS": func(v string) error { return parseInt(v, &cfg.Ingestion.Workers) },

		"WORKFLOW_MASTER_KEY_FILE": func(v string) error { cfg.Workflow.MasterKeyFile = v; return nil },
		"WORKFLOW_RETENTION":       func(v string) error { return parseDuration(v, &cfg.Workflow.Retention) },
		"WORKFLOW_PURGE_INTERVAL":  func(v string) error { return parseDuration(v, &cfg.Workflow.PurgeInterval) },
		"WORKFLOW_INDEX_HISTORY":   func(v string) error { return parseBool(v, &cfg.Workflow.IndexHistory) },
		"WORKFLOW_TIMEZONE":        func(v string) error { cfg.Workflow.Timezone = v; return nil },

		"SEARCH_RELEVANCE_FLOOR":        func(v string) error { return parseFloat(v, &cfg.Search.RelevanceFloor) },
		"SEARCH_PERSONALIZATION_WEIGHT": func(v string) error { return parseFloat(v, &cfg.Search.PersonalizationWeight) },
	}

	for name, set := range mappings {
		if value := getenv(EnvPrefix + name); value != "" {
			if err := set(value); err != nil {
				return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, name, err)
			}
		}
	}
	return nil
}

// FindFile returns the first existing file in Paths.
func FindFile() (string, bool) {
	for _, path := range Paths {
		if _, err := os.Stat(ExpandPath(path)); err == nil {
			return path, true
		}
	}
	return "", false
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// MasterKey reads the workflow master secret from path. The file holds the
// secret hex encoded. When the file does not exist and create is set, a new
// random 32 byte secret is written with owner-only permissions.
func MasterKey(path string, create bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && create {
		return createMasterKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("master key is not hex encoded: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

func createMasterKey(path string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create master key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, nil
}

// Type conversion helpers

func parseInt(s string, dst *int) error {
	val, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseFloat(s string, dst *float64) error {
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseBool(s string, dst *bool) error {
	val, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	val, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}
