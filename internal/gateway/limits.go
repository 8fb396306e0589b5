package gateway

import "time"

// Protocol-level defaults (spec §4.2, §5). Frame size, heartbeat interval
// and send queue depth are overridable via Config; the heartbeat write
// timeout and the rate limit are fixed.
const (
	// Default envelope size ceiling (spec §4.2 "default 1 MiB").
	defaultMaxFrameBytes = 1 << 20

	// Default heartbeat interval (spec §4.5 "configurable, default 30 s").
	defaultHeartbeatInterval = 30 * time.Second
	heartbeatWriteTimeout    = 5 * time.Second

	// Default bounded send queue depth (spec §5 "default 1000 envelopes").
	defaultSendQueueSize = 1000

	// Per-connection read-rate limiting is not spec-mandated (spec §5 notes
	// senders are naturally limited by per-connection read rate instead of
	// explicit throttling) but is carried from the ambient stack as a
	// defense against a single misbehaving connection monopolizing the
	// router goroutine.
	rateLimitEvents = 500
	rateLimitWindow = 10 * time.Second
)
