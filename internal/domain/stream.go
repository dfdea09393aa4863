package domain

import (
	"context"
	"time"
)

// StreamStatus describes a live stream. A nil *StreamStatus means offline.
type StreamStatus struct {
	Title       string    `json:"title"`
	GameName    string    `json:"game_name"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// StreamFetcher loads the current stream of a user. It returns (nil, nil)
// when the user is not live.
type StreamFetcher interface {
	FetchStreamStatus(ctx context.Context, accessToken, userID string) (*StreamStatus, error)
}
