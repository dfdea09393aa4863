// Package view maps dashboard state to what the page should show.
package view

import (
	"time"

	"github.com/pscheid92/livedash/internal/domain"
)

// Screen is the primary panel of the dashboard.
type Screen string

const (
	ScreenLoading        Screen = "loading"
	ScreenSignIn         Screen = "sign_in"
	ScreenProfileLoading Screen = "profile_loading"
	ScreenProfile        Screen = "profile"
)

// Model is the rendering contract between state and template. Error is shown
// alongside whatever panel is active.
type Model struct {
	Screen  Screen               `json:"screen"`
	Profile *domain.UserProfile  `json:"profile,omitempty"`
	Live    bool                 `json:"live"`
	Stream  *domain.StreamStatus `json:"stream,omitempty"`
	Uptime  string               `json:"uptime,omitempty"`
	Error   string               `json:"error,omitempty"`
	Polling bool                 `json:"polling"`
}

// Resolve picks the view for state. now is used for the stream uptime.
func Resolve(state domain.DashboardState, now time.Time) Model {
	m := Model{Polling: state.Scheduler == domain.SchedulerPolling}
	if state.Error != nil {
		m.Error = state.Error.Message
	}

	switch state.Status {
	case domain.SessionLoading:
		m.Screen = ScreenLoading
		return m
	case domain.SessionAuthenticated:
	default:
		m.Screen = ScreenSignIn
		m.Error = ""
		m.Polling = false
		return m
	}

	if state.Profile == nil {
		m.Screen = ScreenProfileLoading
		if m.Error != "" {
			m.Screen = ScreenProfile
		}
		return m
	}

	m.Screen = ScreenProfile
	m.Profile = state.Profile
	if state.Stream != nil {
		m.Live = true
		m.Stream = state.Stream
		m.Uptime = uptime(state.Stream.StartedAt, now)
	}
	return m
}

func uptime(startedAt, now time.Time) string {
	if startedAt.IsZero() || now.Before(startedAt) {
		return ""
	}
	return now.Sub(startedAt).Truncate(time.Second).String()
}
