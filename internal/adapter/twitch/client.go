package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/platform/version"
	"github.com/sony/gobreaker"
)

const (
	DefaultAPIBaseURL = "https://api.twitch.tv/helix"

	endpointUsers   = "users"
	endpointStreams = "streams"

	maxForwardBody = 1 << 20
)

// RawResponse is an upstream reply kept byte for byte.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

type Client struct {
	clientID   string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.UpstreamMetrics
}

// NewClient creates a Helix client. A zero timeout leaves the HTTP client without a deadline;
// callers still bound requests through their context.
func NewClient(clientID, baseURL string, timeout time.Duration, m *metrics.UpstreamMetrics) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &Client{
		clientID:   clientID,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newBreaker(m),
		metrics:    m,
	}
}

var (
	_ domain.ProfileFetcher = (*Client)(nil)
	_ domain.StreamFetcher  = (*Client)(nil)
)

func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*domain.UserProfile, error) {
	if accessToken == "" {
		return nil, domain.ErrMissingCredential
	}

	var users []helix.User
	err := c.do(ctx, endpointUsers, accessToken, func(hc *helix.Client) (*helix.ResponseCommon, error) {
		resp, err := hc.GetUsers(&helix.UsersParams{})
		if err != nil {
			return nil, err
		}
		users = resp.Data.Users
		return &resp.ResponseCommon, nil
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, domain.ErrNoProfileData
	}
	return toProfile(users[0]), nil
}

// FetchStreamStatus returns (nil, nil) when the user is offline.
func (c *Client) FetchStreamStatus(ctx context.Context, accessToken, userID string) (*domain.StreamStatus, error) {
	if accessToken == "" || userID == "" {
		return nil, domain.ErrMissingCredential
	}

	var streams []helix.Stream
	err := c.do(ctx, endpointStreams, accessToken, func(hc *helix.Client) (*helix.ResponseCommon, error) {
		resp, err := hc.GetStreams(&helix.StreamsParams{UserIDs: []string{userID}})
		if err != nil {
			return nil, err
		}
		streams = resp.Data.Streams
		return &resp.ResponseCommon, nil
	})
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return toStreamStatus(streams[0]), nil
}

// ForwardUsers relays "Get Users" for accessToken and returns the reply untouched.
// Non-success replies come back as *domain.UpstreamError with Raw set.
func (c *Client) ForwardUsers(ctx context.Context, accessToken string) (*RawResponse, error) {
	if accessToken == "" {
		return nil, domain.ErrMissingCredential
	}
	return c.forward(ctx, endpointUsers, accessToken, nil)
}

// ForwardStreams relays "Get Streams" filtered to userID.
func (c *Client) ForwardStreams(ctx context.Context, accessToken, userID string) (*RawResponse, error) {
	if accessToken == "" || userID == "" {
		return nil, domain.ErrMissingCredential
	}
	return c.forward(ctx, endpointStreams, accessToken, url.Values{"user_id": {userID}})
}

// do runs one typed Helix request through guard.
func (c *Client) do(ctx context.Context, endpoint, accessToken string, call func(*helix.Client) (*helix.ResponseCommon, error)) error {
	hc, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:        c.clientID,
		UserAccessToken: accessToken,
		APIBaseURL:      c.baseURL,
		HTTPClient:      c.httpClient,
		UserAgent:       version.UserAgent(),
	})
	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "internal_error").Inc()
		return fmt.Errorf("failed to create helix client: %w", err)
	}

	var common *helix.ResponseCommon
	return c.guard(ctx, endpoint,
		func() (int, error) {
			resp, err := call(hc)
			if err != nil {
				return 0, err
			}
			common = resp
			return resp.StatusCode, nil
		},
		func() *domain.UpstreamError { return upstreamError(common) },
	)
}

// forward performs the request itself because helix decodes bodies into its
// own structs and drops everything it does not model.
func (c *Client) forward(ctx context.Context, endpoint, accessToken string, query url.Values) (*RawResponse, error) {
	target := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "internal_error").Inc()
		return nil, fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("User-Agent", version.UserAgent())

	var raw RawResponse
	err = c.guard(ctx, endpoint,
		func() (int, error) {
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return 0, err
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardBody))
			if err != nil {
				return 0, fmt.Errorf("failed to read %s response: %w", endpoint, err)
			}
			raw = RawResponse{StatusCode: resp.StatusCode, Body: body}
			return resp.StatusCode, nil
		},
		func() *domain.UpstreamError { return rawUpstreamError(raw) },
	)
	if err != nil {
		return nil, err
	}
	return &raw, nil
}

// guard runs one round trip through the circuit breaker and records its outcome.
// roundTrip reports the response status, or an error when no response arrived.
// Only transport failures and 5xx responses count against the breaker; a cancelled
// context is reported but never trips it.
func (c *Client) guard(ctx context.Context, endpoint string, roundTrip func() (int, error), rejected func() *domain.UpstreamError) error {
	op := "get " + endpoint
	start := time.Now()
	defer func() {
		c.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var (
		status   int
		canceled error
	)
	_, err := c.breaker.Execute(func() (any, error) {
		code, callErr := roundTrip()
		if callErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				canceled = ctxErr
				return nil, nil
			}
			return nil, &domain.TransportError{Op: op, Err: callErr}
		}
		status = code
		if code >= http.StatusInternalServerError {
			return nil, rejected()
		}
		return nil, nil
	})

	switch {
	case canceled != nil:
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "canceled").Inc()
		return &domain.TransportError{Op: op, Err: canceled}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "breaker_open").Inc()
		return &domain.TransportError{Op: op, Err: err}
	case err != nil:
		if _, ok := errors.AsType[*domain.UpstreamError](err); ok {
			c.metrics.RequestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
		} else {
			c.metrics.RequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		}
		return err
	case status < http.StatusOK || status >= http.StatusMultipleChoices:
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
		return rejected()
	}

	c.metrics.RequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func upstreamError(resp *helix.ResponseCommon) *domain.UpstreamError {
	return newUpstreamError(resp.StatusCode, domain.UpstreamErrorBody{
		Error:   resp.Error,
		Status:  resp.ErrorStatus,
		Message: resp.ErrorMessage,
	}, nil)
}

func rawUpstreamError(raw RawResponse) *domain.UpstreamError {
	var body domain.UpstreamErrorBody
	_ = json.Unmarshal(raw.Body, &body)
	return newUpstreamError(raw.StatusCode, body, raw.Body)
}

func newUpstreamError(status int, body domain.UpstreamErrorBody, raw []byte) *domain.UpstreamError {
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	if body.Status == 0 {
		body.Status = status
	}
	return &domain.UpstreamError{StatusCode: status, Body: body, Raw: raw}
}

func toProfile(u helix.User) *domain.UserProfile {
	return &domain.UserProfile{
		ID:              u.ID,
		Login:           u.Login,
		DisplayName:     u.DisplayName,
		ProfileImageURL: u.ProfileImageURL,
		Type:            u.Type,
		BroadcasterType: u.BroadcasterType,
		Description:     u.Description,
		ViewCount:       u.ViewCount,
		CreatedAt:       u.CreatedAt.Time,
	}
}

func toStreamStatus(s helix.Stream) *domain.StreamStatus {
	return &domain.StreamStatus{
		Title:       s.Title,
		GameName:    s.GameName,
		ViewerCount: s.ViewerCount,
		StartedAt:   s.StartedAt,
	}
}
