// Package main is a CI-friendly smoke test for the qamanager live account feed.
//
// It validates:
//   - handshake + subprotocol selection
//   - snapshot on connect and hello/ack session establishment
//   - accounts_refresh -> accounts_snapshot
//   - with -account: reserve over HTTP shows up as busy on another client,
//     release shows it free again
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "qamanager/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "qamanager.feed.v1"
	maxReadBytes       = 4 << 20
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws/accounts", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token     = flag.String("token", "", "Bearer identity token (needed when ws.require_auth or -account is set)")
		accountID = flag.String("account", "", "Account id to reserve and release over HTTP")
		apiURL    = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL for -account")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *token, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *token, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	snap := mustRefresh(root, a, *timeout)
	if *verbose {
		fmt.Printf("snapshot: total=%d busy=%d\n", snap.Total, snap.Busy)
	}

	if strings.TrimSpace(*accountID) == "" {
		fmt.Printf("OK: A=%s B=%s total=%d busy=%d\n", a.sessionID, b.sessionID, snap.Total, snap.Busy)
		return
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("-account needs -token")
	}

	mustPost(root, *apiURL, "/api/accounts/"+url.PathEscape(*accountID)+"/reserve", *token, *timeout)
	busy := b.mustAwaitStatus(root, *accountID, "busy", *timeout)

	mustPost(root, *apiURL, "/api/accounts/"+url.PathEscape(*accountID)+"/release", *token, *timeout)
	b.mustAwaitStatus(root, *accountID, "free", *timeout)

	owner := ""
	if busy.Owner != nil {
		owner = *busy.Owner
	}
	fmt.Printf("OK: A=%s B=%s account=%s owner=%q\n", a.sessionID, b.sessionID, *accountID, owner)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != defaultSubprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	// The server pushes the current snapshot before anything else.
	c.mustReadUntilType(parent, v1.TypeAccountsSnapshot, stepTimeout, nil)

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      name + "-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, skipSnapshots)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

var skipSnapshots = map[string]struct{}{v1.TypeAccountsSnapshot: {}}

func mustRefresh(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.AccountsSnapshotPayload {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeAccountsRefresh,
		ID:   c.name + "-refresh",
		TS:   time.Now().UTC(),
	}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeAccountsSnapshot, stepTimeout, nil)
	return mustSnapshot(c.name, env)
}

// mustAwaitStatus reads snapshots until accountID has status.
func (c *smokeClient) mustAwaitStatus(parent context.Context, accountID, status string, stepTimeout time.Duration) v1.AccountView {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeAccountsSnapshot, stepTimeout, nil)
		for _, a := range mustSnapshot(c.name, env).Accounts {
			if a.ID == accountID && a.Status == status {
				return a
			}
		}
	}
}

func mustSnapshot(name string, env v1.Envelope) v1.AccountsSnapshotPayload {
	var p v1.AccountsSnapshotPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal snapshot (%s): %v", name, err)
	}
	if p.Total != len(p.Accounts) {
		fatalf("snapshot total mismatch (%s): total=%d accounts=%d", name, p.Total, len(p.Accounts))
	}
	return p
}

func mustPost(parent context.Context, base, path, token string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		fatalf("build request %s: %v", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("POST %s: status %d", path, resp.StatusCode)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
