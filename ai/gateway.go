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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/telemetry"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrEmbedderRequired is returned by NewGateway when no embedder is given.
var ErrEmbedderRequired = errors.New("embedder is required")

// Gateway is an Embedder that funnels every provider call through a bounded
// worker pool with a timeout, a rate limiter and a circuit breaker.
type Gateway struct {
	embedder Embedder
	config   *Config
	pool     *ants.Pool
	slots    *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

var _ Embedder = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway) error

// WithGatewayLogger sets a custom logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) error {
		if logger == nil {
			logger = slog.Default()
		}
		g.logger = logger
		return nil
	}
}

// WithGatewayMetrics records provider latency and failures.
func WithGatewayMetrics(m *telemetry.Metrics) GatewayOption {
	return func(g *Gateway) error {
		if m != nil {
			g.metrics = m
		}
		return nil
	}
}

// NewGateway wraps embedder. cfg supplies the pool size, timeout, rate limit,
// breaker thresholds and expected dimension; nil means DefaultConfig.
func NewGateway(embedder Embedder, cfg *Config, opts ...GatewayOption) (*Gateway, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		embedder: embedder,
		config:   cfg,
		metrics:  telemetry.Noop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	g.logger = g.logger.With("component", "embedding-gateway")

	// A call holds a slot from before Submit until its task ends, so Submit
	// never waits on a busy pool and queued callers can give up.
	pool, err := ants.NewPool(cfg.MaxInFlight)
	if err != nil {
		return nil, err
	}
	g.pool = pool
	g.slots = semaphore.NewWeighted(int64(cfg.MaxInFlight))

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = int(math.Ceil(cfg.RequestsPerSecond))
		}
	}
	g.limiter = rate.NewLimiter(limit, burst)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			g.metrics.RecordBreakerState(name, to.String())
		},
	})

	return g, nil
}

// Release stops the worker pool. The gateway must not be used afterwards.
func (g *Gateway) Release() {
	g.pool.Release()
}

// Dimension is the embedding width the gateway enforces.
func (g *Gateway) Dimension() int {
	return g.config.Dimension
}

// EmbedText embeds one text.
func (g *Gateway) EmbedText(ctx context.Context, text string, domain core.Domain) (core.Embedding, error) {
	v, err := g.do(ctx, domain, func(callCtx context.Context) (any, error) {
		return g.embedder.EmbedText(callCtx, text, domain)
	})
	if err != nil {
		return nil, err
	}
	return g.check(v.(core.Embedding))
}

// EmbedTexts embeds a batch as one provider call, preserving order.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string, domain core.Domain) ([]core.Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	v, err := g.do(ctx, domain, func(callCtx context.Context) (any, error) {
		return g.embedder.EmbedTexts(callCtx, texts, domain)
	})
	if err != nil {
		return nil, err
	}
	vectors := v.([]core.Embedding)
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", core.ErrEmbeddingFailed, len(vectors), len(texts))
	}
	out := make([]core.Embedding, len(vectors))
	for i, vec := range vectors {
		if out[i], err = g.check(vec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type callResult struct {
	value any
	err   error
}

// do runs fn on the pool. RequestTimeout covers both the wait for a free
// worker and the provider call.
func (g *Gateway) do(ctx context.Context, domain core.Domain, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	if err := g.slots.Acquire(callCtx, 1); err != nil {
		return nil, g.classify(ctx, err)
	}
	done := make(chan callResult, 1)

	submitErr := g.pool.Submit(func() {
		defer g.slots.Release(1)
		start := time.Now()

		if err := g.limiter.Wait(callCtx); err != nil {
			done <- callResult{err: err}
			return
		}
		v, err := g.breaker.Execute(func() (interface{}, error) {
			return fn(callCtx)
		})
		if err == nil && callCtx.Err() != nil {
			// Late answers count as timeouts.
			err = callCtx.Err()
		}
		g.metrics.RecordEmbedding(ctx, domain.String(), time.Since(start), err)
		done <- callResult{value: v, err: err}
	})
	if submitErr != nil {
		g.slots.Release(1)
		return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, submitErr)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, g.classify(ctx, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return nil, g.classify(ctx, ctx.Err())
	}
}

func (g *Gateway) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", core.ErrProviderOpen, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, err)
	case errors.Is(err, context.DeadlineExceeded):
		g.logger.Warn("embedding call timed out", "timeout", g.config.RequestTimeout, "callerDone", ctx.Err() != nil)
		return fmt.Errorf("%w: %w", core.ErrEmbeddingTimeout, err)
	case errors.Is(err, core.ErrEmbedding), errors.Is(err, core.ErrValidation):
		return err
	default:
		return fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, err)
	}
}

// check enforces the configured dimension and unit length.
func (g *Gateway) check(vec core.Embedding) (core.Embedding, error) {
	if err := core.ValidateEmbedding(vec, g.config.Dimension); err != nil {
		return nil, err
	}
	if math.Abs(core.Magnitude(vec)-1) > 1e-3 {
		return core.Normalize(vec), nil
	}
	return vec, nil
}
