package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-recovery-coordinator/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRoutes struct{}

func (echoRoutes) RegisterRoutes(r chi.Router) {
	r.Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(body)
	})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(&api.HTTPServerConfig{
		ListenAddr:   "127.0.0.1:0",
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxBodyBytes: 16,
	}, nil, echoRoutes{})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestHealthAndDrain(t *testing.T) {
	h := newTestServer(t).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/livez", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	rr := do(t, h, http.MethodGet, "/drain", "")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	assert.JSONEq(t, `{"status":"already draining"}`, do(t, h, http.MethodGet, "/drain", "").Body.String())

	assert.JSONEq(t, `{"status":"ready"}`, do(t, h, http.MethodGet, "/undrain", "").Body.String())
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestMountedRoutes(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := do(t, h, http.MethodPost, "/api/echo", "hello")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello", rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/echo", strings.Repeat("x", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestMetricsAddrRequiresServer(t *testing.T) {
	_, err := New(&api.HTTPServerConfig{MetricsAddr: "127.0.0.1:0"}, nil)
	assert.Error(t, err)
}
