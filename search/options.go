package search

import (
	"errors"
	"log/slog"

	"github.com/poiesic/regsearch/telemetry"
)

// Defaults for a Service.
const (
	DefaultMinScore            = 0.25
	DefaultRelevanceFloor      = 0.6
	DefaultPersonalizeWeight   = 0.5
	DefaultOverfetch           = 3
	DefaultDiversityShare      = 0.3
	DefaultConfidentRouting    = 0.8
	DefaultDuplicateSimilarity = 0.9

	MaxRecentQueries = 20
	MaxDocumentTypes = 50
	MaxPreferences   = 50
)

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics records search latency and degradation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) error {
		if m != nil {
			s.metrics = m
		}
		return nil
	}
}

// WithPatternSource enables pattern-based personalization.
func WithPatternSource(p PatternSource) Option {
	return func(s *Service) error {
		s.patterns = p
		return nil
	}
}

// WithMinScore sets the similarity below which index hits are ignored.
func WithMinScore(score float64) Option {
	return func(s *Service) error {
		if score < -1 || score > 1 {
			return errors.New("min score must be within [-1, 1]")
		}
		s.minScore = score
		return nil
	}
}

// WithRelevanceFloor sets the final score every optimized result must reach.
func WithRelevanceFloor(floor float64) Option {
	return func(s *Service) error {
		if floor < 0 || floor > 1 {
			return errors.New("relevance floor must be within [0, 1]")
		}
		s.floor = floor
		return nil
	}
}

// WithPersonalizationWeight sets how strongly affinity lifts a base score.
func WithPersonalizationWeight(w float64) Option {
	return func(s *Service) error {
		if w < 0 {
			return errors.New("personalization weight cannot be negative")
		}
		s.weight = w
		return nil
	}
}

// WithDiversityShare sets the minimum share of the minority domain.
func WithDiversityShare(share float64) Option {
	return func(s *Service) error {
		if share < 0 || share > 0.5 {
			return errors.New("diversity share must be within [0, 0.5]")
		}
		s.diversity = share
		return nil
	}
}

// CallOption adjusts a single search.
type CallOption func(*call)

type call struct {
	userID  string
	monitor SearchMonitor
}

// ForUser includes the user's own history entries in the search.
func ForUser(userID string) CallOption {
	return func(c *call) {
		c.userID = userID
	}
}

// WithMonitor traces one search.
func WithMonitor(m SearchMonitor) CallOption {
	return func(c *call) {
		if m != nil {
			c.monitor = m
		}
	}
}
