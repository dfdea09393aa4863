package httpserver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/platform/correlation"
	apperrors "github.com/pscheid92/livedash/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callHandler wraps a handler with the error middleware, matching production behavior.
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}

func TestErrorHandlingMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"validation", apperrors.ValidationError("bad input").WithField("field", "x"), http.StatusBadRequest, `{"error":"bad input","type":"validation","context":{"field":"x"}}`},
		{"unauthorized", apperrors.UnauthorizedError("not signed in"), http.StatusUnauthorized, `{"error":"not signed in","type":"unauthorized"}`},
		{"not found", apperrors.NotFoundError("missing"), http.StatusNotFound, `{"error":"missing","type":"not_found"}`},
		{"external hides context", apperrors.ExternalError("twitch down", errors.New("eof")).WithField("k", "v"), http.StatusBadGateway, `{"error":"twitch down","type":"external"}`},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, `{"error":"internal server error","type":"internal"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			err := callHandler(func(echo.Context) error { return tt.err }, c)

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestErrorHandlingMiddleware_PassesEchoErrors(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := callHandler(func(echo.Context) error { return echo.ErrForbidden }, c)

	assert.Equal(t, echo.ErrForbidden, err)
}

func TestCorrelationMiddleware(t *testing.T) {
	e := echo.New()

	var seen string
	handler := correlationMiddleware(func(c echo.Context) error {
		seen, _ = correlation.ID(c.Request().Context())
		return nil
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderXRequestID, "req-123")
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))

		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("replaces unusable incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderXRequestID, "bad id\nforged=1")
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))

		assert.Len(t, seen, 8)
		assert.Equal(t, seen, rec.Header().Get(echo.HeaderXRequestID))
	})
}
