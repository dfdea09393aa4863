package app

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
)

const DefaultPollInterval = 30 * time.Second

// TickFunc runs one scheduled poll. Returning false ends the schedule.
type TickFunc func(ctx context.Context) bool

type schedule struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs a TickFunc every interval until stopped. At most one schedule
// is active at a time. Ticks run on the scheduler goroutine and never overlap;
// ticks that elapse during a slow poll collapse into a single follow-up tick.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	metrics  *metrics.SchedulerMetrics

	mu      sync.Mutex
	current *schedule
}

func NewScheduler(clock clockwork.Clock, interval time.Duration, m *metrics.SchedulerMetrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{clock: clock, interval: interval, metrics: m}
}

// Start cancels any running schedule, waits for it to exit, then begins a new one.
// The first tick fires one interval after Start.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) {
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)
	sch := &schedule{cancel: cancel, done: make(chan struct{})}
	ticker := s.clock.NewTicker(s.interval)

	s.mu.Lock()
	s.current = sch
	s.mu.Unlock()

	go s.run(ctx, sch, ticker, tick)
}

// Stop cancels the running schedule and waits for it to exit. It is safe to call
// repeatedly and when nothing is running. It must not be called from a TickFunc.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sch := s.current
	s.current = nil
	s.mu.Unlock()

	if sch == nil {
		return
	}
	sch.cancel()
	<-sch.done
}

func (s *Scheduler) State() domain.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return domain.SchedulerPolling
	}
	return domain.SchedulerIdle
}

func (s *Scheduler) run(ctx context.Context, sch *schedule, ticker clockwork.Ticker, tick TickFunc) {
	s.metrics.ActivePollers.Inc()
	defer func() {
		ticker.Stop()
		sch.cancel()
		s.release(sch)
		s.metrics.ActivePollers.Dec()
		close(sch.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			if !tick(ctx) {
				return
			}
		}
	}
}

func (s *Scheduler) release(sch *schedule) {
	s.mu.Lock()
	if s.current == sch {
		s.current = nil
	}
	s.mu.Unlock()
}
