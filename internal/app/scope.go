package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/livedash/internal/domain"
)

// scope holds the in-memory dashboard state of one session. mu guards the
// fields; publishMu serialises publishes so views see mutations in order.
type scope struct {
	id        uuid.UUID
	ctx       context.Context
	cancel    context.CancelFunc
	scheduler *Scheduler

	publishMu sync.Mutex

	mu        sync.Mutex
	token     string
	mounted   bool
	closed    bool
	profile   *domain.UserProfile
	stream    *domain.StreamStatus
	fetchErr  *domain.FetchError
	schedule  domain.SchedulerState
	updatedAt time.Time
}

func newScope(id uuid.UUID, token string, scheduler *Scheduler, now time.Time) *scope {
	ctx, cancel := context.WithCancel(context.Background())
	return &scope{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		scheduler: scheduler,
		token:     token,
		schedule:  domain.SchedulerIdle,
		updatedAt: now,
	}
}

func (sc *scope) snapshotLocked() domain.DashboardState {
	return domain.DashboardState{
		SessionID: sc.id,
		Status:    domain.SessionAuthenticated,
		Profile:   sc.profile,
		Stream:    sc.stream,
		Error:     sc.fetchErr,
		Scheduler: sc.schedule,
		UpdatedAt: sc.updatedAt,
	}
}

func (sc *scope) snapshot() domain.DashboardState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.snapshotLocked()
}

// needsLoad reports whether a mounted scope still lacks its profile.
func (sc *scope) needsLoad() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.closed && sc.profile == nil
}

func (sc *scope) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

// close cancels in-flight fetches and stops the scheduler. Results arriving
// afterwards are discarded. Safe to call more than once.
func (sc *scope) close() {
	sc.mu.Lock()
	sc.closed = true
	sc.mu.Unlock()

	sc.cancel()
	sc.scheduler.Stop()
}

// unauthenticatedState is what views see after sign-out.
func unauthenticatedState(id uuid.UUID, now time.Time) domain.DashboardState {
	return domain.DashboardState{
		SessionID: id,
		Status:    domain.SessionUnauthenticated,
		Scheduler: domain.SchedulerIdle,
		UpdatedAt: now,
	}
}
