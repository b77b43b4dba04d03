package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control
	// envelopes.
	maxFrameBytes = 8 << 10 // 8 KiB

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	// Snapshots are rebuilt at most this often; bursts of store changes
	// collapse into one broadcast.
	snapshotDebounce = 150 * time.Millisecond
)
