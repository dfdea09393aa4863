package httpserver

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/adapter/twitch"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/platform/config"
	"github.com/pscheid92/livedash/internal/platform/crypto"
	"github.com/pscheid92/livedash/internal/platform/retry"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// --- Mock implementations ---

type mockDashboard struct {
	mu            sync.Mutex
	authenticated map[uuid.UUID]string
	signedOut     []uuid.UUID
	authErr       error
	snapshotFn    func(id uuid.UUID) (domain.DashboardState, error)
}

func newMockDashboard() *mockDashboard {
	return &mockDashboard{authenticated: make(map[uuid.UUID]string)}
}

func (m *mockDashboard) Authenticate(sessionID uuid.UUID, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authErr != nil {
		return m.authErr
	}
	m.authenticated[sessionID] = accessToken
	return nil
}

func (m *mockDashboard) SignOut(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authenticated, sessionID)
	m.signedOut = append(m.signedOut, sessionID)
}

func (m *mockDashboard) Snapshot(sessionID uuid.UUID) (domain.DashboardState, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.authenticated[sessionID]; !ok {
		return domain.DashboardState{}, domain.ErrSessionNotFound
	}
	return domain.DashboardState{SessionID: sessionID, Status: domain.SessionAuthenticated, Scheduler: domain.SchedulerIdle}, nil
}

func (m *mockDashboard) tokenFor(id uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.authenticated[id]
	return token, ok
}

type mockUpstream struct {
	usersFn   func(ctx context.Context, accessToken string) (*twitch.RawResponse, error)
	streamsFn func(ctx context.Context, accessToken, userID string) (*twitch.RawResponse, error)
}

func (m *mockUpstream) ForwardUsers(ctx context.Context, accessToken string) (*twitch.RawResponse, error) {
	if m.usersFn != nil {
		return m.usersFn(ctx, accessToken)
	}
	return nil, errors.New("not implemented")
}

func (m *mockUpstream) ForwardStreams(ctx context.Context, accessToken, userID string) (*twitch.RawResponse, error) {
	if m.streamsFn != nil {
		return m.streamsFn(ctx, accessToken, userID)
	}
	return nil, errors.New("not implemented")
}

type mockHub struct {
	mu          sync.Mutex
	registered  []uuid.UUID
	tokens      []string
	published   []domain.DashboardState
	registerErr error
}

func (m *mockHub) Register(sessionID uuid.UUID, accessToken string, _ *websocket.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, sessionID)
	m.tokens = append(m.tokens, accessToken)
	return m.registerErr
}

func (m *mockHub) Unregister(uuid.UUID, *websocket.Conn) {}

func (m *mockHub) PublishState(_ uuid.UUID, state domain.DashboardState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, state)
}

func (m *mockHub) getPublished() []domain.DashboardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DashboardState(nil), m.published...)
}

type mockOAuth struct {
	token *oauth2.Token
	err   error
	errs  []error // consumed one per call before err applies
	codes []string
}

func (m *mockOAuth) AuthCodeURL(state string, _ ...oauth2.AuthCodeOption) string {
	return "https://id.twitch.tv/oauth2/authorize?state=" + url.QueryEscape(state)
}

func (m *mockOAuth) Exchange(_ context.Context, code string, _ ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	m.codes = append(m.codes, code)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return m.token, m.err
}

// --- Test helpers ---

const testSessionSecret = "test-secret-key-32-bytes-long!!!"

func newTestServer(t *testing.T, opts ...func(*Server)) *Server {
	t.Helper()

	tmpl := template.Must(template.New("landing.html").Parse(`Landing`))
	template.Must(tmpl.New("dashboard.html").Parse(`Dashboard {{.InitialState}}`))

	store := sessions.NewCookieStore([]byte(testSessionSecret))
	store.Options = &sessions.Options{Path: "/", MaxAge: 3600}

	srv := &Server{
		echo: echo.New(),
		config: &config.Config{
			TwitchClientID:    "test-client-id",
			TwitchRedirectURI: "http://localhost/auth/callback",
			SessionMaxAge:     time.Hour,
		},
		app:           newMockDashboard(),
		upstream:      &mockUpstream{},
		hub:           &mockHub{},
		connLimits:    NewConnectionLimits(defaultMaxConnections, defaultMaxConnectionsPerIP, nil),
		oauth:         &mockOAuth{},
		exchangeRetry: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, RateLimitBackoff: time.Millisecond},
		sessionStore:  store,
		tokens:        crypto.NoopService{},
		templates:     tmpl,
		startTime:     time.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()
	return srv
}

func withApp(app dashboardService) func(*Server) {
	return func(s *Server) { s.app = app }
}

func withUpstream(u upstreamClient) func(*Server) {
	return func(s *Server) { s.upstream = u }
}

func withHub(h stateHub) func(*Server) {
	return func(s *Server) { s.hub = h }
}

func withOAuth(o oauthProvider) func(*Server) {
	return func(s *Server) { s.oauth = o }
}

func withTokens(tokens crypto.Service) func(*Server) {
	return func(s *Server) { s.tokens = tokens }
}

func withConnLimits(limits *ConnectionLimits) func(*Server) {
	return func(s *Server) { s.connLimits = limits }
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) { s.healthChecks = checks }
}

// sessionCookies builds cookies for a request carrying the given session values.
func sessionCookies(t *testing.T, srv *Server, values map[any]any) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	session, err := srv.sessionStore.New(req, sessionName)
	require.NoError(t, err)
	for k, v := range values {
		session.Values[k] = v
	}
	require.NoError(t, session.Save(req, rec))
	return rec.Result().Cookies()
}

// signedIn returns cookies for an authenticated session.
func signedIn(t *testing.T, srv *Server, id uuid.UUID, token string) []*http.Cookie {
	t.Helper()
	sealed, err := srv.tokens.Encrypt(token)
	require.NoError(t, err)
	return sessionCookies(t, srv, map[any]any{sessionKeyID: id.String(), sessionKeyToken: sealed})
}

func serve(srv *Server, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}
