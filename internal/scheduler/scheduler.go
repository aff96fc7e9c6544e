// Package scheduler runs the single control loop that owns the coalescing
// table: it ingests events, sleeps until the next group deadline, and hands
// ready groups to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/clock/system"
	"github.com/JakeFAU/plexrelay/internal/coalesce"
	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/notification"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Dispatcher receives built notifications. Go must not block on delivery.
type Dispatcher interface {
	Go(ctx context.Context, n relay.Notification)
}

// Config controls coalescing behavior.
//   - Window: sliding debounce window; 0 flushes every event immediately.
//   - MaxAge: optional cap on how long a group may stay pending (0 = none).
//   - MaxGroups / Overflow: optional bound on pending groups and the policy
//     applied once it is reached.
//   - Clock: time source (defaults to UTC wall clock).
//   - Metrics / Logger: optional observability hooks.
type Config struct {
	Window    time.Duration
	MaxAge    time.Duration
	MaxGroups int
	Overflow  coalesce.OverflowPolicy
	Clock     relay.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Scheduler coalesces events by key and flushes groups once their debounce
// window has passed. All table access happens on the goroutine running Run.
type Scheduler struct {
	table    *coalesce.Table
	events   <-chan relay.Event
	dispatch Dispatcher
	clock    relay.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pending atomic.Int64
	running atomic.Bool
	done    chan struct{}
}

// New builds a Scheduler reading from events.
func New(events <-chan relay.Event, dispatch Dispatcher, cfg Config) (*Scheduler, error) {
	if events == nil {
		return nil, errors.New("event channel is required")
	}
	if dispatch == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("debounce window must be >= 0, got %s", cfg.Window)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		table: coalesce.NewTable(coalesce.Options{
			Window:    cfg.Window,
			MaxAge:    cfg.MaxAge,
			MaxGroups: cfg.MaxGroups,
			Overflow:  cfg.Overflow,
		}),
		events:   events,
		dispatch: dispatch,
		clock:    clock,
		metrics:  cfg.Metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Pending returns the number of groups waiting to flush. Safe to call from
// any goroutine.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run blocks until the event channel is closed or ctx ends. In both cases
// every pending group is flushed before Run returns; it returns nil after a
// clean close and the context error after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.done)
	defer s.running.Store(false)

	timer := time.NewTimer(time.Hour)
	timerActive := true
	s.stopTimer(timer, &timerActive)

	for {
		s.armTimer(timer, &timerActive)
		var fire <-chan time.Time
		if timerActive {
			fire = timer.C
		}

		select {
		case ev, ok := <-s.events:
			if !ok {
				s.stopTimer(timer, &timerActive)
				s.flushAll(ctx)
				s.logger.Info("event queue closed; scheduler stopped")
				return nil
			}
			s.ingest(ctx, ev)
		case <-fire:
			timerActive = false
			s.flushReady(ctx, s.clock.Now(), metrics.FlushReady)
		case <-ctx.Done():
			s.stopTimer(timer, &timerActive)
			s.drainBuffered(ctx)
			s.flushAll(ctx)
			return fmt.Errorf("scheduler stopped: %w", ctx.Err())
		}
	}
}

func (s *Scheduler) ingest(ctx context.Context, ev relay.Event) {
	now := s.clock.Now()
	if !ev.Coalesced() {
		s.flush(ctx, coalesce.Group{Items: []relay.Fragment{ev.Fragment}, FirstUpdate: now, LastUpdate: now}, metrics.FlushImmediate)
		return
	}

	evicted, err := s.table.Upsert(ev.Key, ev.Fragment, now)
	switch {
	case errors.Is(err, coalesce.ErrTableFull):
		s.metrics.ObserveEventRejected(metrics.RejectTableFull)
		s.logger.Warn("coalescing table full; event dropped",
			zap.String("key", ev.Key),
			zap.String("event_id", ev.ID),
			zap.Int("pending", s.table.Len()),
		)
		return
	case err != nil:
		s.metrics.ObserveEventRejected(metrics.RejectInvalid)
		s.logger.Warn("event not coalesced", zap.String("key", ev.Key), zap.Error(err))
		return
	}
	for _, g := range evicted {
		s.logger.Warn("coalescing table full; flushing oldest group early",
			zap.String("key", g.Key),
			zap.Int("items", len(g.Items)),
		)
		s.flush(ctx, g, metrics.FlushOverflow)
	}
	s.updatePending()

	if s.table.Window() == 0 {
		s.flushReady(ctx, now, metrics.FlushImmediate)
	}
}

// drainBuffered moves events that were already queued into the table so a
// cancellation does not silently drop accepted work.
func (s *Scheduler) drainBuffered(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.ingest(ctx, ev)
		default:
			return
		}
	}
}

func (s *Scheduler) flushReady(ctx context.Context, now time.Time, reason string) {
	for _, g := range s.table.TakeReady(now) {
		s.flush(ctx, g, reason)
	}
	s.updatePending()
}

func (s *Scheduler) flushAll(ctx context.Context) {
	groups := s.table.TakeAll()
	if len(groups) > 0 {
		s.logger.Info("flushing pending groups before shutdown", zap.Int("groups", len(groups)))
	}
	for _, g := range groups {
		s.flush(ctx, g, metrics.FlushShutdown)
	}
	s.updatePending()
}

func (s *Scheduler) flush(ctx context.Context, g coalesce.Group, reason string) {
	n := notification.Build(g)
	s.metrics.ObserveFlush(reason, n.Items)
	s.logger.Debug("group flushed",
		zap.String("key", g.Key),
		zap.Int("items", len(g.Items)),
		zap.String("reason", reason),
	)
	s.dispatch.Go(ctx, n)
}

func (s *Scheduler) updatePending() {
	n := s.table.Len()
	s.pending.Store(int64(n))
	s.metrics.SetPendingGroups(n)
}

func (s *Scheduler) armTimer(timer *time.Timer, timerActive *bool) {
	deadline, ok := s.table.EarliestDeadline()
	if !ok {
		s.stopTimer(timer, timerActive)
		return
	}
	wait := deadline.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	s.stopTimer(timer, timerActive)
	timer.Reset(wait)
	*timerActive = true
}

func (s *Scheduler) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}
