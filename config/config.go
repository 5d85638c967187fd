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
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // workflow.timezone on hosts without zoneinfo

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/ingestion"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Storage   StorageConfig   `yaml:"storage"`
	AI        AIConfig        `yaml:"ai"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Search    SearchConfig    `yaml:"search"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// AIConfig configures the embedding service and the gateway in front of it.
type AIConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Dimension         int           `yaml:"dimension"`
	RegulationPrefix  string        `yaml:"regulation_prefix"`
	HistoryPrefix     string        `yaml:"history_prefix"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// IngestionConfig bounds chunking and batch concurrency.
type IngestionConfig struct {
	MinChunkSize int `yaml:"min_chunk_size"`
	MaxChunkSize int `yaml:"max_chunk_size"`
	MaxChunks    int `yaml:"max_chunks"`
	Workers      int `yaml:"workers"`
}

// WorkflowConfig configures the encrypted workflow tracker.
type WorkflowConfig struct {
	MasterKeyFile     string        `yaml:"master_key_file"`
	Retention         time.Duration `yaml:"retention"`
	PurgeInterval     time.Duration `yaml:"purge_interval"`
	RotationBatchSize int           `yaml:"rotation_batch_size"`
	IndexHistory      bool          `yaml:"index_history"`
	Timezone          string        `yaml:"timezone"`
}

// SearchConfig tunes ranking.
type SearchConfig struct {
	MinScore              float64 `yaml:"min_score"`
	RelevanceFloor        float64 `yaml:"relevance_floor"`
	PersonalizationWeight float64 `yaml:"personalization_weight"`
	DiversityShare        float64 `yaml:"diversity_share"`
}

// DefaultConfig returns a configuration with the standard defaults.
func DefaultConfig() *Config {
	aiDefaults := ai.DefaultConfig()
	chunks := ingestion.DefaultChunkerConfig()
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Path: "~/.local/share/regsearch/db",
		},
		AI: AIConfig{
			Endpoint:    aiDefaults.EmbeddingHost,
			Model:       aiDefaults.EmbeddingModel,
			Dimension:   aiDefaults.Dimension,
			MaxInFlight: aiDefaults.MaxInFlight,
			Timeout:     aiDefaults.RequestTimeout,
		},
		Ingestion: IngestionConfig{
			MinChunkSize: chunks.MinSize,
			MaxChunkSize: chunks.MaxSize,
			MaxChunks:    chunks.MaxChunks,
			Workers:      ingestion.DefaultPoolSize,
		},
		Workflow: WorkflowConfig{
			MasterKeyFile:     "~/.config/regsearch/master.key",
			Retention:         90 * 24 * time.Hour,
			PurgeInterval:     time.Hour,
			RotationBatchSize: 100,
			IndexHistory:      true,
			Timezone:          "UTC",
		},
		Search: SearchConfig{
			MinScore:              0.25,
			RelevanceFloor:        0.6,
			PersonalizationWeight: 0.5,
			DiversityShare:        0.3,
		},
	}
}

// Validate checks the configuration for values the services would reject.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if err := c.AIConfig().Validate(); err != nil {
		return err
	}
	if err := c.ChunkerConfig().Validate(); err != nil {
		return err
	}
	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("ingestion.workers must be greater than 0")
	}
	if c.Workflow.Retention <= 0 {
		return fmt.Errorf("workflow.retention must be positive")
	}
	if c.Workflow.PurgeInterval < 0 {
		return fmt.Errorf("workflow.purge_interval must be non-negative")
	}
	if c.Workflow.RotationBatchSize < 1 {
		return fmt.Errorf("workflow.rotation_batch_size must be greater than 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Search.RelevanceFloor < 0 || c.Search.RelevanceFloor > 1 {
		return fmt.Errorf("search.relevance_floor must be within [0, 1]")
	}
	if c.Search.MinScore < -1 || c.Search.MinScore > 1 {
		return fmt.Errorf("search.min_score must be within [-1, 1]")
	}
	if c.Search.PersonalizationWeight < 0 {
		return fmt.Errorf("search.personalization_weight must be non-negative")
	}
	if c.Search.DiversityShare < 0 || c.Search.DiversityShare > 0.5 {
		return fmt.Errorf("search.diversity_share must be within [0, 0.5]")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Location resolves the timezone workflow patterns are bucketed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Workflow.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Workflow.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow.timezone: %w", err)
	}
	return loc, nil
}

// AIConfig converts the ai section for the embedding provider and gateway.
func (c *Config) AIConfig() *ai.Config {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.AI.Endpoint),
		ai.WithEmbeddingModel(c.AI.Model),
		ai.WithAPIToken(c.AI.APIKey),
		ai.WithDimension(c.AI.Dimension),
		ai.WithMaxInFlight(c.AI.MaxInFlight),
		ai.WithRequestTimeout(c.AI.Timeout),
		ai.WithRateLimit(c.AI.RequestsPerSecond, c.AI.Burst),
	)
	cfg.RegulationPrefix = c.AI.RegulationPrefix
	cfg.HistoryPrefix = c.AI.HistoryPrefix
	return cfg
}

// ChunkerConfig converts the ingestion section, keeping the per-source targets.
func (c *Config) ChunkerConfig() ingestion.ChunkerConfig {
	cfg := ingestion.DefaultChunkerConfig()
	cfg.MinSize = c.Ingestion.MinChunkSize
	cfg.MaxSize = c.Ingestion.MaxChunkSize
	cfg.MaxChunks = c.Ingestion.MaxChunks
	return cfg
}

