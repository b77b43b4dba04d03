package realtime

import (
	"time"

	"qamanager/cmd/identity/ids"
)

// newSessionID returns a ULID used as websocket session id.
func newSessionID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}

// newEnvelopeID returns a ULID used as envelope id, sortable in logs.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
