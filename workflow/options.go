package workflow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/telemetry"
)

// Defaults for a Tracker.
const (
	DefaultRetention         = 90 * 24 * time.Hour
	DefaultRotationBatchSize = 100
	DefaultRetryDelay        = 50 * time.Millisecond
)

// Option configures a Tracker.
type Option func(*Tracker) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) error {
		if logger == nil {
			logger = slog.Default()
		}
		t.logger = logger
		return nil
	}
}

// WithMetrics records operation latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) error {
		if m != nil {
			t.metrics = m
		}
		return nil
	}
}

// WithRetention sets how long records are kept before PurgeExpired removes them.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.New("retention must be positive")
		}
		t.retention = d
		return nil
	}
}

// WithRotationBatchSize sets how many re-encrypted records are written per transaction.
func WithRotationBatchSize(n int) Option {
	return func(t *Tracker) error {
		if n <= 0 {
			return errors.New("rotation batch size must be positive")
		}
		t.batchSize = n
		return nil
	}
}

// WithRetryDelay sets the backoff before a failed rotation is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Tracker) error {
		if d < 0 {
			return errors.New("retry delay cannot be negative")
		}
		t.retryDelay = d
		return nil
	}
}

// WithLocation sets the time zone used for time-of-day patterns. Default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) error {
		if loc == nil {
			return errors.New("location cannot be nil")
		}
		t.location = loc
		return nil
	}
}

// WithClock overrides the time source used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		t.now = now
		return nil
	}
}

// WithHistoryIndex mirrors a descriptor of every recorded step into the
// userHistory partition. A descriptor is the embedding of the step's document
// and action types plus an opaque reference to its encrypted record; no step
// text is stored. Descriptors are removed with their records.
func WithHistoryIndex(idx HistoryIndex, embedder ai.Embedder) Option {
	return func(t *Tracker) error {
		if idx == nil || embedder == nil {
			return errors.New("history index and embedder are both required")
		}
		t.history = idx
		t.embedder = embedder
		return nil
	}
}
