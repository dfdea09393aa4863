package domain

import (
	"context"
	"time"
)

// UserProfile is the signed-in user's Twitch profile.
type UserProfile struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ViewCount       int       `json:"view_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProfileFetcher loads the profile belonging to a bearer token.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error)
}
