package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qamanager/cmd/security/identitytoken"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newTestApp(t *testing.T, mutate func(c *Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := validConfig()
	cfg.Auth = AuthConfig{JWTSecret: testJWTSecret, Issuer: "qam-test"}
	cfg.Metrics.Enabled = true
	cfg.WS.RequireAuth = true
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.closeStore()
	})
	return a, srv
}

func issueToken(t *testing.T, sub, role string) string {
	t.Helper()

	v, err := identitytoken.NewVerifier(testJWTSecret, "qam-test")
	require.NoError(t, err)
	tok, err := v.Issue(sub, sub, sub+"@qa.example.com", role, time.Now(), time.Hour)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, out
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)

	res, body := call(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok\n", string(body))
	assert.NotEmpty(t, res.Header.Get(RequestIDHeader))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	res, body = call(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready\n", string(body))
}

func TestApp_ReadinessRequiresDatabase(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, func(c *Config) { c.Database.RequireForReadiness = true })

	res, _ := call(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestApp_ReservationThroughRouter(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)
	admin := issueToken(t, "root", identitytoken.RoleAdmin)
	alice := issueToken(t, "alice", identitytoken.RoleUser)

	res, _ := call(t, srv, http.MethodGet, "/api/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body := call(t, srv, http.MethodPost, "/api/accounts", admin, map[string]any{
		"username": "qa01",
		"email":    "qa01@qa.example.com",
		"password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	res, body = call(t, srv, http.MethodPost, "/api/accounts/"+created.ID+"/reserve", alice, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = call(t, srv, http.MethodPost, "/api/reservations/quick", alice, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(body))
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)

	call(t, srv, http.MethodGet, "/healthz", "", nil)
	res, body := call(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `qam_http_requests_total{method="GET",route="/healthz",status="200"}`)
}

func TestApp_MetricsDisabled(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, func(c *Config) { c.Metrics.Enabled = false })

	res, _ := call(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestApp_FeedRequiresIdentity(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/accounts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestApp_JobsFollowConfig(t *testing.T) {
	t.Parallel()

	names := func(a *App) []string {
		out := make([]string, 0, len(a.jobs))
		for _, j := range a.jobs {
			out = append(out, j.name)
		}
		return out
	}

	a, _ := newTestApp(t, nil)
	assert.Equal(t, []string{"reset.daily"}, names(a))

	a, _ = newTestApp(t, func(c *Config) {
		c.Reset.Enabled = false
		c.Reconcile.Interval = time.Minute
	})
	assert.Empty(t, names(a), "poller needs provider credentials")

	a, _ = newTestApp(t, func(c *Config) {
		c.Reconcile.Interval = time.Minute
		c.Reconcile.Username = "qa"
		c.Reconcile.AccessKey = "key"
	})
	assert.Equal(t, []string{"reconcile.poller", "reset.daily"}, names(a))
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Reset.Enabled = false
	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunFailsOnBadAddr(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Reset.Enabled = false
	cfg.HTTP.Addr = "127.0.0.1:-1"
	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "port") || strings.Contains(err.Error(), "invalid"), err.Error())
}
