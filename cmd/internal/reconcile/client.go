// Package reconcile runs the server-side jobs around the ledger: the
// external-status reconciliation (a read-only comparison against the test
// provider's running sessions) and the once-per-day bulk reset.
package reconcile

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
)

var (
	// ErrNotConfigured means the provider credentials are missing.
	ErrNotConfigured = errors.New("reconcile: external status credentials not configured")
	// ErrUpstream means the provider could not be reached or answered non-2xx.
	ErrUpstream = errors.New("reconcile: external status service failed")
)

const (
	DefaultBaseURL = "https://api.browserstack.com"

	sessionsPath    = "/automate/sessions.json"
	sessionsLimit   = 100
	maxResponseBody = 4 << 20
	defaultTimeout  = 10 * time.Second
)

// Session is one running automation session as reported by the provider.
type Session struct {
	HashedID string `json:"hashed_id"`
	Name     string `json:"name"`
	UserName string `json:"user_name"`
	Status   string `json:"status"`
}

// ClientConfig configures a StatusClient.
type ClientConfig struct {
	BaseURL   string
	Username  string
	AccessKey string
	Timeout   time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
}

// StatusClient reads running sessions from the provider's REST API.
type StatusClient struct {
	baseURL   string
	username  string
	accessKey string
	http      *http.Client
}

// NewStatusClient returns a client. Missing credentials are reported lazily
// by RunningSessions so the service can start without them.
func NewStatusClient(cfg ClientConfig) *StatusClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &StatusClient{
		baseURL:   base,
		username:  strings.TrimSpace(cfg.Username),
		accessKey: strings.TrimSpace(cfg.AccessKey),
		http:      hc,
	}
}

// Configured reports whether both credentials are present.
func (c *StatusClient) Configured() bool {
	return c != nil && c.username != "" && c.accessKey != ""
}

// RunningSessions returns the sessions currently in "running" state.
func (c *StatusClient) RunningSessions(ctx context.Context) ([]Session, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("status", "running")
	q.Set("limit", fmt.Sprint(sessionsLimit))
	endpoint := c.baseURL + sessionsPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.SetBasicAuth(c.username, c.accessKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var items []struct {
		AutomationSession Session `json:"automation_session"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}

	out := make([]Session, 0, len(items))
	for _, it := range items {
		out = append(out, it.AutomationSession)
	}
	return out, nil
}
