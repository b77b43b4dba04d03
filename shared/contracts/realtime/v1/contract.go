// Package v1 defines the qamanager live account feed protocol, version 1.
//
// The server pushes a full accounts snapshot on connect and after every
// change; clients may say hello and ask for a fresh snapshot.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeAccountsSnapshot carries the full account list (server -> client).
	TypeAccountsSnapshot = "accounts_snapshot"
	// TypeAccountsRefresh asks for a fresh snapshot (client -> server).
	TypeAccountsRefresh = "accounts_refresh"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeAccountsSnapshot,
		TypeAccountsRefresh,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload returns the server-side session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// AccountView is one account as shown to every signed-in user. It never
// carries credentials.
type AccountView struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	Owner          *string    `json:"owner"`
	OwnerID        *string    `json:"ownerId"`
	LastUsedAt     *time.Time `json:"lastUsedAt"`
	LastReturnedAt *time.Time `json:"lastReturnedAt"`
	ExternalBusy   *bool      `json:"externalBusy,omitempty"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
}

// AccountsSnapshotPayload is the full account list, ordered by username.
type AccountsSnapshotPayload struct {
	Accounts    []AccountView `json:"accounts"`
	Total       int           `json:"total"`
	Busy        int           `json:"busy"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
