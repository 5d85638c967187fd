package index

import (
	"errors"
	"log/slog"
	"time"

	"github.com/poiesic/regsearch/telemetry"
)

// Option configures an Index.
type Option func(*Index) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(x *Index) error {
		if logger == nil {
			logger = slog.Default()
		}
		x.logger = logger
		return nil
	}
}

// WithDimension sets the embedding width accepted by Store and Search.
// Default is core.DefaultDimension.
func WithDimension(dim int) Option {
	return func(x *Index) error {
		if dim <= 0 {
			return errors.New("dimension must be positive")
		}
		x.dimension = dim
		return nil
	}
}

// WithMetrics records operation latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(x *Index) error {
		if m != nil {
			x.metrics = m
		}
		return nil
	}
}

// WithClock replaces time.Now for insertion timestamps.
func WithClock(now func() time.Time) Option {
	return func(x *Index) error {
		if now != nil {
			x.now = now
		}
		return nil
	}
}

type storeOptions struct {
	owner string
}

// StoreOption configures a single Store call.
type StoreOption func(*storeOptions)

// WithOwner marks the entry as belonging to one user. owner is a core.UserKey.
func WithOwner(owner string) StoreOption {
	return func(o *storeOptions) {
		o.owner = owner
	}
}

type searchOptions struct {
	owner  string
	filter func(map[string]string) bool
}

// SearchOption configures a single Search call.
type SearchOption func(*searchOptions)

// WithOwnerScope includes the entries owned by owner in addition to shared ones.
func WithOwnerScope(owner string) SearchOption {
	return func(o *searchOptions) {
		o.owner = owner
	}
}

// WithMetadataFilter drops records whose metadata does not satisfy keep.
func WithMetadataFilter(keep func(map[string]string) bool) SearchOption {
	return func(o *searchOptions) {
		o.filter = keep
	}
}
