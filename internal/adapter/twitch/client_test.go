package twitch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usersBody = `{"data":[{"id":"42","login":"x","display_name":"X","type":"","broadcaster_type":"affiliate","description":"hi","profile_image_url":"https://img/x.png","view_count":7,"created_at":"2020-01-02T03:04:05Z"}]}`

const streamsBody = `{"data":[{"id":"1","user_id":"42","user_login":"x","game_name":"Chess","type":"live","title":"Live now","viewer_count":5,"started_at":"2024-05-06T07:08:09Z"}],"pagination":{}}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.UpstreamMetrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := metrics.NewUpstreamMetrics(prometheus.NewRegistry())
	return NewClient("client-id", srv.URL, 5*time.Second, m), m
}

func TestFetchProfile_SendsCredentialsAndMapsUser(t *testing.T) {
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "client-id", r.Header.Get("Client-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(usersBody))
	})

	profile, err := client.FetchProfile(context.Background(), "tok")

	require.NoError(t, err)
	assert.Equal(t, "42", profile.ID)
	assert.Equal(t, "x", profile.Login)
	assert.Equal(t, "X", profile.DisplayName)
	assert.Equal(t, "affiliate", profile.BroadcasterType)
	assert.Equal(t, 7, profile.ViewCount)
	assert.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), profile.CreatedAt.UTC())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "ok")))
}

func TestFetchProfile_MissingTokenMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.FetchProfile(context.Background(), "")

	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Zero(t, calls.Load())
}

func TestFetchProfile_EmptyDataIsNoProfileData(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	_, err := client.FetchProfile(context.Background(), "tok")

	assert.ErrorIs(t, err, domain.ErrNoProfileData)
}

func TestFetchProfile_UpstreamErrorKeepsStatusAndBody(t *testing.T) {
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
	})

	_, err := client.FetchProfile(context.Background(), "bad")

	upstream, ok := errors.AsType[*domain.UpstreamError](err)
	require.True(t, ok, "expected *domain.UpstreamError, got %T", err)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Equal(t, "Unauthorized", upstream.Body.Error)
	assert.Equal(t, "Invalid OAuth token", upstream.Body.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "upstream_error")))
}

func TestFetchProfile_TransportFailure(t *testing.T) {
	m := metrics.NewUpstreamMetrics(prometheus.NewRegistry())
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := NewClient("client-id", baseURL, time.Second, m)
	_, err := client.FetchProfile(context.Background(), "tok")

	_, ok := errors.AsType[*domain.TransportError](err)
	assert.True(t, ok, "expected *domain.TransportError, got %T", err)
}

func TestFetchStreamStatus_Live(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/streams", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("user_id"))
		_, _ = w.Write([]byte(streamsBody))
	})

	status, err := client.FetchStreamStatus(context.Background(), "tok", "42")

	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "Live now", status.Title)
	assert.Equal(t, "Chess", status.GameName)
	assert.Equal(t, 5, status.ViewerCount)
}

func TestFetchStreamStatus_OfflineIsNil(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"pagination":{}}`))
	})

	status, err := client.FetchStreamStatus(context.Background(), "tok", "42")

	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestFetchStreamStatus_RequiresTokenAndUserID(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.FetchStreamStatus(context.Background(), "tok", "")
	assert.ErrorIs(t, err, domain.ErrMissingCredential)

	_, err = client.FetchStreamStatus(context.Background(), "", "42")
	assert.ErrorIs(t, err, domain.ErrMissingCredential)

	assert.Zero(t, calls.Load())
}

func TestForwardUsers_KeepsBodyVerbatim(t *testing.T) {
	const body = `{"data":[{"id":"42","login":"x","extra_field":"kept"}],"template":"t"}`
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "client-id", r.Header.Get("Client-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	resp, err := client.ForwardUsers(context.Background(), "tok")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(resp.Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "ok")))
}

func TestForwardStreams_FiltersByUser(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/streams", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("user_id"))
		_, _ = w.Write([]byte(`{"data":[],"pagination":{}}`))
	})

	resp, err := client.ForwardStreams(context.Background(), "tok", "42")

	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[],"pagination":{}}`, string(resp.Body))
}

func TestForward_ServerErrorKeepsUpstreamMessage(t *testing.T) {
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"backend down"}`))
	})

	_, err := client.ForwardUsers(context.Background(), "tok")

	upstream, ok := errors.AsType[*domain.UpstreamError](err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, `{"message":"backend down"}`, string(upstream.Raw))
	assert.Equal(t, "backend down", upstream.Body.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "upstream_error")))
}

func TestForward_ClientErrorKeepsRawBody(t *testing.T) {
	const body = `{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(body))
	})

	_, err := client.ForwardStreams(context.Background(), "bad", "42")

	upstream, ok := errors.AsType[*domain.UpstreamError](err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Equal(t, body, string(upstream.Raw))
}

func TestForward_MissingCredentialsMakeNoRequest(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := client.ForwardUsers(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	_, err = client.ForwardStreams(context.Background(), "tok", "")
	assert.ErrorIs(t, err, domain.ErrMissingCredential)

	assert.Zero(t, calls.Load())
}

func TestForward_SharesBreakerWithFetches(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for range breakerConsecutiveFailures {
		_, _ = client.ForwardUsers(context.Background(), "tok")
	}
	_, err := client.FetchProfile(context.Background(), "tok")

	_, ok := errors.AsType[*domain.TransportError](err)
	assert.True(t, ok)
	assert.Equal(t, int32(breakerConsecutiveFailures), calls.Load())
}

func TestBreaker_OpensAfterRepeatedServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for range breakerConsecutiveFailures {
		_, err := client.FetchProfile(context.Background(), "tok")
		upstream, ok := errors.AsType[*domain.UpstreamError](err)
		require.True(t, ok)
		assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	}

	_, err := client.FetchProfile(context.Background(), "tok")

	_, ok := errors.AsType[*domain.TransportError](err)
	assert.True(t, ok, "open breaker fails fast as a transport error")
	assert.Equal(t, int32(breakerConsecutiveFailures), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "breaker_open")))
	assert.ErrorIs(t, client.CheckHealth(context.Background()), ErrCircuitOpen)
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	var calls atomic.Int32
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
	})

	for range breakerConsecutiveFailures + 2 {
		_, _ = client.FetchProfile(context.Background(), "bad")
	}

	assert.Equal(t, int32(breakerConsecutiveFailures+2), calls.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))
	assert.NoError(t, client.CheckHealth(context.Background()))
}

func TestFetch_CanceledContextDoesNotTrip(t *testing.T) {
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(usersBody))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range breakerConsecutiveFailures + 1 {
		_, err := client.FetchProfile(ctx, "tok")
		assert.ErrorIs(t, err, context.Canceled)
	}

	profile, err := client.FetchProfile(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "x", profile.Login)
	assert.Equal(t, float64(breakerConsecutiveFailures+1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(endpointUsers, "canceled")))
}
