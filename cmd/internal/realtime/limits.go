package realtime

import "time"

// Transport limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat and reconnect defaults (overridable via Config).
	defaultHeartbeatInterval = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	defaultReconnectBase = 2 * time.Second
	defaultReconnectCap  = 15
	defaultMaxAttempts   = 10

	// Pending frames held while disconnected; overflow drops the new frame.
	defaultSendQueueCap = 512

	// The transport is presumed dead after this many heartbeat intervals
	// without a single inbound frame.
	silenceFactor = 2
)
