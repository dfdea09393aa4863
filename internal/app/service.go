package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/platform/correlation"
	"golang.org/x/sync/singleflight"
)

type pollResult string

const (
	pollLive      pollResult = "live"
	pollOffline   pollResult = "offline"
	pollError     pollResult = "error"
	pollDiscarded pollResult = ""
)

// Service is the application layer. It keeps one scope per dashboard session and
// is the only component that talks to both fetchers and the state publisher.
type Service struct {
	profiles  domain.ProfileFetcher
	streams   domain.StreamFetcher
	publisher domain.StatePublisher
	clock     clockwork.Clock
	interval  time.Duration
	metrics   *metrics.SchedulerMetrics

	loadGroup singleflight.Group
	wg        sync.WaitGroup

	mu     sync.Mutex
	scopes map[uuid.UUID]*scope
}

func NewService(profiles domain.ProfileFetcher, streams domain.StreamFetcher, publisher domain.StatePublisher, clock clockwork.Clock, interval time.Duration, m *metrics.SchedulerMetrics) *Service {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Service{
		profiles:  profiles,
		streams:   streams,
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		metrics:   m,
		scopes:    make(map[uuid.UUID]*scope),
	}
}

// Authenticate records the bearer token of a session. Calling it again with the
// same token is a no-op. A different token replaces the scope and, if a view is
// mounted, reruns the fetch sequence for the new identity.
func (s *Service) Authenticate(sessionID uuid.UUID, accessToken string) error {
	if accessToken == "" {
		return domain.ErrMissingCredential
	}

	sc, replaced := s.ensureScope(sessionID, accessToken)
	if replaced == nil {
		return nil
	}

	replaced.mu.Lock()
	wasMounted := replaced.mounted
	replaced.mu.Unlock()
	replaced.close()

	slog.Info("Session token replaced", "session_id", sessionID.String(), "remounted", wasMounted)
	if wasMounted {
		s.mount(sc)
	}
	return nil
}

// Mount marks the session's view as mounted and starts the profile-then-stream
// sequence. The scope is created when the session has none yet, which happens
// when a reloading page reconnects after the last view of the old page dropped it.
func (s *Service) Mount(sessionID uuid.UUID, accessToken string) error {
	if accessToken == "" {
		return domain.ErrMissingCredential
	}

	sc, replaced := s.ensureScope(sessionID, accessToken)
	if replaced != nil {
		replaced.close()
		slog.Info("Session token replaced", "session_id", sessionID.String(), "remounted", true)
	}
	s.mount(sc)
	return nil
}

// ensureScope returns the session's scope for accessToken. A scope holding a
// different token is swapped for a fresh one and returned as replaced; the
// caller closes it.
func (s *Service) ensureScope(sessionID uuid.UUID, accessToken string) (sc, replaced *scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.scopes[sessionID]
	if exists {
		old.mu.Lock()
		same := old.token == accessToken
		old.mu.Unlock()
		if same {
			return old, nil
		}
	}

	sc = newScope(sessionID, accessToken, NewScheduler(s.clock, s.interval, s.metrics), s.clock.Now())
	s.scopes[sessionID] = sc
	if !exists {
		s.metrics.ActiveSessions.Inc()
		slog.Info("Session scope created", "session_id", sessionID.String())
	}
	return sc, old
}

func (s *Service) mount(sc *scope) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.mounted = true
	sc.mu.Unlock()

	s.wg.Go(func() { s.ensureLoaded(sc) })
}

// ensureLoaded runs the fetch sequence for sc unless it already produced a
// profile. Concurrent callers for the same session share one sequence. A caller
// that joined the sequence of a replaced scope waits for it to wind down and
// tries again for its own.
func (s *Service) ensureLoaded(sc *scope) {
	key := sc.id.String()
	for {
		v, _, _ := s.loadGroup.Do(key, func() (any, error) {
			if sc.needsLoad() {
				s.load(sc)
			}
			return sc, nil
		})
		if v.(*scope) == sc || sc.isClosed() {
			return
		}
	}
}

// Unmount tears the session scope down: the scheduler is stopped, in-flight
// fetches are cancelled and the scope is dropped.
func (s *Service) Unmount(sessionID uuid.UUID) {
	if sc := s.remove(sessionID); sc != nil {
		sc.close()
		slog.Info("Session scope torn down", "session_id", sessionID.String())
	}
}

// SignOut tears the scope down and tells connected views the session is gone.
func (s *Service) SignOut(sessionID uuid.UUID) {
	sc := s.remove(sessionID)
	if sc == nil {
		s.publisher.PublishState(sessionID, unauthenticatedState(sessionID, s.clock.Now()))
		return
	}

	sc.close()

	sc.publishMu.Lock()
	s.publisher.PublishState(sessionID, unauthenticatedState(sessionID, s.clock.Now()))
	sc.publishMu.Unlock()

	slog.Info("Session signed out", "session_id", sessionID.String())
}

func (s *Service) Snapshot(sessionID uuid.UUID) (domain.DashboardState, error) {
	sc, err := s.lookup(sessionID)
	if err != nil {
		return domain.DashboardState{}, err
	}
	return sc.snapshot(), nil
}

// Stop tears down every scope and waits for fetch sequences to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	scopes := make([]*scope, 0, len(s.scopes))
	for id, sc := range s.scopes {
		scopes = append(scopes, sc)
		delete(s.scopes, id)
	}
	s.metrics.ActiveSessions.Set(0)
	s.mu.Unlock()

	for _, sc := range scopes {
		sc.close()
	}
	s.wg.Wait()
}

func (s *Service) lookup(sessionID uuid.UUID) (*scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sc, nil
}

func (s *Service) remove(sessionID uuid.UUID) *scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[sessionID]
	if !ok {
		return nil
	}
	delete(s.scopes, sessionID)
	s.metrics.ActiveSessions.Dec()
	return sc
}

// update applies mutate under the scope lock and publishes the result. Nothing
// is published once the scope is closed or when mutate returns false.
func (s *Service) update(sc *scope, mutate func(sc *scope) bool) bool {
	sc.publishMu.Lock()
	defer sc.publishMu.Unlock()

	sc.mu.Lock()
	if sc.closed || !mutate(sc) {
		sc.mu.Unlock()
		return false
	}
	sc.updatedAt = s.clock.Now()
	state := sc.snapshotLocked()
	sc.mu.Unlock()

	s.publisher.PublishState(sc.id, state)
	return true
}

func (s *Service) setSchedule(sc *scope, to domain.SchedulerState) {
	if sc.schedule == to {
		return
	}
	sc.schedule = to
	s.metrics.Transitions.WithLabelValues(string(to)).Inc()
}

// load fetches the profile, then the stream status, and starts polling if the
// user is live. The stream is never requested without a profile.
func (s *Service) load(sc *scope) {
	ctx := correlation.Fork(sc.ctx)

	sc.mu.Lock()
	token := sc.token
	sc.mu.Unlock()

	s.update(sc, func(sc *scope) bool {
		sc.fetchErr = nil
		return true
	})

	profile, err := s.profiles.FetchProfile(ctx, token)
	if ctx.Err() != nil {
		slog.DebugContext(ctx, "Profile result discarded after teardown", "session_id", sc.id.String())
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "Profile fetch failed", "session_id", sc.id.String(), "error", err)
		s.update(sc, func(sc *scope) bool {
			sc.fetchErr = domain.NewFetchError(err)
			return true
		})
		return
	}

	ok := s.update(sc, func(sc *scope) bool {
		sc.profile = profile
		return true
	})
	if !ok {
		return
	}
	slog.DebugContext(ctx, "Profile loaded", "session_id", sc.id.String(), "login", profile.Login)

	if s.refreshStream(ctx, sc, token, profile.ID) == pollLive {
		sc.scheduler.Start(sc.ctx, func(tickCtx context.Context) bool {
			return s.poll(tickCtx, sc, token, profile.ID)
		})
	}
}

// refreshStream fetches the stream status once and records the outcome. It
// returns pollLive when the scope should keep polling, or pollDiscarded when
// the scope was torn down while the request was in flight.
func (s *Service) refreshStream(ctx context.Context, sc *scope, token, userID string) pollResult {
	sc.mu.Lock()
	sc.fetchErr = nil
	sc.mu.Unlock()

	stream, err := s.streams.FetchStreamStatus(ctx, token, userID)
	if ctx.Err() != nil {
		slog.DebugContext(ctx, "Stream result discarded after teardown", "session_id", sc.id.String())
		return pollDiscarded
	}

	result := pollLive
	switch {
	case err != nil:
		result = pollError
	case stream == nil:
		result = pollOffline
	}

	ok := s.update(sc, func(sc *scope) bool {
		switch result {
		case pollError:
			sc.fetchErr = domain.NewFetchError(err)
			sc.stream = nil
			s.setSchedule(sc, domain.SchedulerIdle)
		case pollOffline:
			sc.stream = nil
			s.setSchedule(sc, domain.SchedulerIdle)
		default:
			sc.stream = stream
			s.setSchedule(sc, domain.SchedulerPolling)
		}
		return true
	})
	if !ok {
		return pollDiscarded
	}

	switch result {
	case pollError:
		slog.WarnContext(ctx, "Stream fetch failed, polling stopped", "session_id", sc.id.String(), "error", err)
	case pollOffline:
		slog.DebugContext(ctx, "Stream offline", "session_id", sc.id.String())
	default:
		slog.DebugContext(ctx, "Stream live", "session_id", sc.id.String(), "viewers", stream.ViewerCount)
	}
	return result
}

func (s *Service) poll(ctx context.Context, sc *scope, token, userID string) bool {
	ctx = correlation.Fork(ctx)
	result := s.refreshStream(ctx, sc, token, userID)
	if result != pollDiscarded {
		s.metrics.PollsTotal.WithLabelValues(string(result)).Inc()
	}
	return result == pollLive
}
