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

package ai

import (
	"errors"
	"strings"
	"time"

	"github.com/poiesic/regsearch/core"
)

// Config holds configuration for the embedding service and the gateway in front of it.
type Config struct {
	// EmbeddingHost is the base URL for the embedding service API.
	// Example: "http://localhost:11434/v1" for local OpenAI-compatible server
	EmbeddingHost string

	// EmbeddingModel is the model identifier to use for text embeddings.
	// Example: "nomic-embed-text", "text-embedding-3-small"
	EmbeddingModel string

	// APIToken authenticates against hosted services. Local servers accept "none".
	APIToken string

	// Dimension is the expected embedding width. Default: 768
	Dimension int

	// RegulationPrefix and HistoryPrefix are prepended to text before it is
	// embedded, for models trained with task instructions.
	RegulationPrefix string
	HistoryPrefix    string

	// MaxInFlight bounds concurrent provider calls. Default: 8
	MaxInFlight int

	// RequestTimeout bounds a single provider call, including the wait for a
	// free worker. Default: 10s
	RequestTimeout time.Duration

	// RequestsPerSecond throttles provider calls; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithEmbeddingHost sets the embedding service host URL.
func WithEmbeddingHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
	}
}

// WithEmbeddingModel sets the embedding model identifier.
func WithEmbeddingModel(model string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingModel = model
	}
}

// WithAPIToken sets the API token.
func WithAPIToken(token string) ConfigOption {
	return func(c *Config) {
		c.APIToken = token
	}
}

// WithDimension sets the expected embedding width.
func WithDimension(dim int) ConfigOption {
	return func(c *Config) {
		c.Dimension = dim
	}
}

// WithMaxInFlight bounds concurrent provider calls.
func WithMaxInFlight(n int) ConfigOption {
	return func(c *Config) {
		c.MaxInFlight = n
	}
}

// WithRequestTimeout bounds a single provider call.
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithRateLimit throttles provider calls.
func WithRateLimit(perSecond float64, burst int) ConfigOption {
	return func(c *Config) {
		c.RequestsPerSecond = perSecond
		c.Burst = burst
	}
}

// DefaultConfig returns a Config with sensible defaults for a local OpenAI-compatible service.
func DefaultConfig() *Config {
	return &Config{
		EmbeddingHost:   "http://localhost:11434/v1",
		EmbeddingModel:  "nomic-embed-text",
		APIToken:        "none",
		Dimension:       core.DefaultDimension,
		MaxInFlight:     8,
		RequestTimeout:  10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
//
// Example:
//
//	cfg := NewConfig(
//	    WithEmbeddingHost("http://localhost:11434"),
//	    WithEmbeddingModel("text-embedding-3-small"),
//	)
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Normalize ensures the configuration is in a canonical form.
// It automatically adds the /v1 suffix to the host if missing, which is required
// by most OpenAI-compatible APIs (Ollama, LocalAI, vLLM, etc).
func (c *Config) Normalize() {
	if c.EmbeddingHost != "" && !strings.HasSuffix(c.EmbeddingHost, "/v1") {
		c.EmbeddingHost = strings.TrimSuffix(c.EmbeddingHost, "/") + "/v1"
	}
	if c.APIToken == "" {
		c.APIToken = "none"
	}
}

// Validate checks that the configuration is valid and complete.
// It automatically normalizes the configuration before validation.
func (c *Config) Validate() error {
	c.Normalize()

	if c.EmbeddingHost == "" {
		return errors.New("ai config: EmbeddingHost is required")
	}
	if c.EmbeddingModel == "" {
		return errors.New("ai config: EmbeddingModel is required")
	}
	if c.Dimension <= 0 {
		return errors.New("ai config: Dimension must be positive")
	}
	if c.MaxInFlight < 1 {
		return errors.New("ai config: MaxInFlight must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("ai config: RequestTimeout must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("ai config: RequestsPerSecond cannot be negative")
	}
	return nil
}

// PrefixFor returns the instruction prefix configured for a domain.
func (c *Config) PrefixFor(domain core.Domain) string {
	switch domain {
	case core.DomainRegulations:
		return c.RegulationPrefix
	case core.DomainUserHistory:
		return c.HistoryPrefix
	default:
		return ""
	}
}
