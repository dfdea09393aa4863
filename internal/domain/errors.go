package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("access token missing")
	ErrNoProfileData     = errors.New("no profile data returned")
	ErrSessionNotFound   = errors.New("session not found")
)

// UpstreamErrorBody is the error document returned by the Twitch API.
type UpstreamErrorBody struct {
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// UpstreamError is a non-success HTTP response from the Twitch API. Raw holds
// the response body as received when the caller kept it.
type UpstreamError struct {
	StatusCode int
	Body       UpstreamErrorBody
	Raw        []byte
}

func (e *UpstreamError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body.Message)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// TransportError is a network-level failure talking to the Twitch API.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FetchErrorKind classifies a FetchError for display.
type FetchErrorKind string

const (
	KindMissingCredential FetchErrorKind = "missing_credential"
	KindUpstream          FetchErrorKind = "upstream"
	KindTransport         FetchErrorKind = "transport"
	KindNoProfileData     FetchErrorKind = "no_profile_data"
	KindUnknown           FetchErrorKind = "unknown"
)

// FetchError is the transient, user-visible error of the last fetch attempt.
type FetchError struct {
	Kind     FetchErrorKind     `json:"kind"`
	Message  string             `json:"message"`
	Status   int                `json:"status,omitempty"`
	Upstream *UpstreamErrorBody `json:"upstream,omitempty"`
}

// NewFetchError maps a fetcher error to its display form.
func NewFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}

	if upstream, ok := errors.AsType[*UpstreamError](err); ok {
		body := upstream.Body
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		if msg == "" {
			msg = upstream.Error()
		}
		return &FetchError{Kind: KindUpstream, Message: msg, Status: upstream.StatusCode, Upstream: &body}
	}
	if _, ok := errors.AsType[*TransportError](err); ok {
		return &FetchError{Kind: KindTransport, Message: err.Error()}
	}

	switch {
	case errors.Is(err, ErrMissingCredential):
		return &FetchError{Kind: KindMissingCredential, Message: "Access token missing"}
	case errors.Is(err, ErrNoProfileData):
		return &FetchError{Kind: KindNoProfileData, Message: "No profile data found"}
	default:
		return &FetchError{Kind: KindUnknown, Message: err.Error()}
	}
}
