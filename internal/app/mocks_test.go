package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
)

// callLog records fetcher calls in order across both fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.get() {
		if c == name {
			n++
		}
	}
	return n
}

type profileResult struct {
	profile *domain.UserProfile
	err     error
}

type mockProfiles struct {
	log    *callLog
	result profileResult
	// block, when set, holds FetchProfile until it is closed or ctx is done.
	block chan struct{}
}

func (m *mockProfiles) FetchProfile(ctx context.Context, accessToken string) (*domain.UserProfile, error) {
	m.log.add("profile")
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.result.profile, m.result.err
}

type streamResult struct {
	stream *domain.StreamStatus
	err    error
}

// mockStreams returns scripted results in order, repeating the last one.
type mockStreams struct {
	log *callLog

	mu      sync.Mutex
	script  []streamResult
	userIDs []string
}

func (m *mockStreams) FetchStreamStatus(_ context.Context, _, userID string) (*domain.StreamStatus, error) {
	m.log.add("stream")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.userIDs = append(m.userIDs, userID)
	if len(m.script) == 0 {
		return nil, nil
	}
	r := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return r.stream, r.err
}

func (m *mockStreams) getUserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.userIDs...)
}

type mockPublisher struct {
	mu     sync.Mutex
	states []domain.DashboardState
}

func (m *mockPublisher) PublishState(_ uuid.UUID, state domain.DashboardState) {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
}

func (m *mockPublisher) getStates() []domain.DashboardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DashboardState, len(m.states))
	copy(out, m.states)
	return out
}

func (m *mockPublisher) last() (domain.DashboardState, bool) {
	states := m.getStates()
	if len(states) == 0 {
		return domain.DashboardState{}, false
	}
	return states[len(states)-1], true
}

func newTestMetrics() *metrics.SchedulerMetrics {
	return metrics.NewSchedulerMetrics(prometheus.NewRegistry())
}
