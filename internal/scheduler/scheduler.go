package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context) error

// Clock abstracts the wall clock and timer so tests can drive ticks without
// real waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives periodic execution of the tick pipeline. Tick errors are
// logged and never terminate the loop; only context cancellation stops it.
type Scheduler struct {
	opts   Options
	clock  Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		clock:  realClock{},
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// WithClock overrides the clock. Test hook.
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// Run blocks, invoking the tick function every interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.StartupDelay):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.Interval):
		}

		started := s.clock.Now()
		s.logger.Debug().Time("started", started).Msg("executing scheduled tick")

		if err := tick(ctx); err != nil {
			s.logger.Error().Err(err).Msg("tick execution failed")
		}
	}
}
