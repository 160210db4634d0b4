// Package scheduler triggers consolidation ticks at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

// DefaultInterval is one consolidation per day
const DefaultInterval = 24 * time.Hour

// TickFunc runs one tick. Returning model.ErrTickInProgress is not treated as a failure.
type TickFunc func(ctx context.Context) error

// Scheduler calls a TickFunc every interval until stopped
type Scheduler struct {
	interval   time.Duration
	runOnStart bool
	tick       TickFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

type Option func(*Scheduler)

// WithRunOnStart runs a tick immediately instead of waiting for the first interval
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

func New(interval time.Duration, tick TickFunc, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, goerr.New("interval must be positive", goerr.V("interval", interval))
	}
	if tick == nil {
		return nil, goerr.New("tick function is required")
	}

	s := &Scheduler{
		interval: interval,
		tick:     tick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run blocks and fires ticks until ctx is canceled
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.From(ctx).Info("scheduler started", "interval", s.interval)

	if s.runOnStart {
		s.fire(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			logging.From(ctx).Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// Start runs the scheduler in the background. Stop waits for it to exit.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.doneCh)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.cancel, s.doneCh = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) fire(ctx context.Context) {
	logger := logging.From(ctx)

	err := s.tick(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrTickInProgress):
		logger.Info("previous tick still running, skipped")
	case ctx.Err() != nil:
	default:
		logger.Error("scheduled tick failed", "error", err)
	}
}
