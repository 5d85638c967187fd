package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// DefaultPurgeInterval is how often the retention scheduler purges by default.
const DefaultPurgeInterval = time.Hour

// RetentionScheduler runs Tracker.PurgeExpired on a fixed interval.
type RetentionScheduler struct {
	scheduler *gocron.Scheduler
	tracker   *Tracker
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// NewRetentionScheduler schedules purges of tracker every interval. The
// first purge runs one interval after Start.
func NewRetentionScheduler(tracker *Tracker, interval time.Duration, logger *slog.Logger) (*RetentionScheduler, error) {
	if tracker == nil {
		return nil, ErrTrackerRequired
	}
	if interval <= 0 {
		return nil, errors.New("purge interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RetentionScheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		tracker:   tracker,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "retention"),
	}
	r.scheduler.SingletonModeAll()
	if _, err := r.scheduler.Every(interval).WaitForSchedule().Tag("purge").Do(r.purge); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *RetentionScheduler) purge() {
	n, err := r.tracker.PurgeExpired(r.ctx)
	if err != nil {
		r.logger.Error("retention purge failed", "error", err)
		return
	}
	r.logger.Debug("retention purge finished", "records", n)
}

// Start begins running purges in the background.
func (r *RetentionScheduler) Start() {
	r.scheduler.StartAsync()
}

// Stop halts the scheduler and cancels a purge in progress.
func (r *RetentionScheduler) Stop() {
	r.cancel()
	r.scheduler.Stop()
}
