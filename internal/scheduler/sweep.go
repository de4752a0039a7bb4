// Package scheduler runs periodic ticket maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// StaleCloser closes AWAITING tickets idle for longer than idle; *tickets.Service implements it.
type StaleCloser interface {
	CloseStale(ctx context.Context, idle time.Duration, limit int) (int, error)
}

// cronParser accepts 5-field expressions, an optional seconds field and descriptors like "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type SweepOptions struct {
	Schedule string
	// IdleAfter is how long an AWAITING ticket may sit untouched.
	IdleAfter time.Duration
	// BatchSize caps tickets closed per run.
	BatchSize int
	// RunTimeout bounds one run.
	RunTimeout time.Duration
}

// Sweeper auto-closes stale tickets on a cron schedule.
type Sweeper struct {
	closer StaleCloser
	opts   SweepOptions
	log    *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
}

func NewSweeper(closer StaleCloser, opts SweepOptions, log *slog.Logger) (*Sweeper, error) {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{
		closer: closer,
		opts:   opts,
		log:    log.With("component", "ticket_sweep"),
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(opts.Schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// RunOnce performs one sweep and returns the number of tickets closed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.opts.IdleAfter <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.closer.CloseStale(ctx, s.opts.IdleAfter, s.opts.BatchSize)
	if err != nil {
		s.log.Error("stale ticket sweep failed", "closed", n, "err", err)
		return n, err
	}
	if n > 0 {
		s.log.Info("stale tickets closed", "closed", n, "duration_ms", time.Since(start).Milliseconds())
	}
	return n, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("stale ticket sweep scheduled", "schedule", s.opts.Schedule, "idle_after", s.opts.IdleAfter.String())
}

// Stop halts the schedule and waits for a running sweep, or until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
