package domain

import (
	"time"

	"github.com/google/uuid"
)

// SchedulerState is the state of a session's refresh scheduler.
type SchedulerState string

const (
	SchedulerIdle    SchedulerState = "idle"
	SchedulerPolling SchedulerState = "polling"
)

// DashboardState is the snapshot of one session scope, as rendered by views.
type DashboardState struct {
	SessionID uuid.UUID      `json:"session_id"`
	Status    SessionStatus  `json:"status"`
	Profile   *UserProfile   `json:"profile,omitempty"`
	Stream    *StreamStatus  `json:"stream,omitempty"`
	Error     *FetchError    `json:"error,omitempty"`
	Scheduler SchedulerState `json:"scheduler"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StatePublisher fans dashboard snapshots out to connected views.
type StatePublisher interface {
	PublishState(sessionID uuid.UUID, state DashboardState)
}
