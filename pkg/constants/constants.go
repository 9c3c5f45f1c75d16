package constants

import "time"

const (
	// DefaultMaxReconnectAttempts is the number of automatic reconnects
	// attempted before a session gives up and waits for a manual retry.
	DefaultMaxReconnectAttempts = 5

	// DefaultHeartbeatInterval is the keepalive ping period while connected.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultErrorLifetime is how long a transient error stays visible.
	DefaultErrorLifetime = 3 * time.Second

	// DefaultBackoffBase is the exponent base of the reconnect delay.
	DefaultBackoffBase = 2.0
	// DefaultBackoffUnit scales Base^attempt into a duration.
	DefaultBackoffUnit = time.Second
	// DefaultBackoffCap bounds the reconnect delay before jitter.
	DefaultBackoffCap = 3 * time.Second
	// DefaultJitterMin and DefaultJitterMax bound the multiplicative jitter.
	DefaultJitterMin = 0.5
	DefaultJitterMax = 1.5

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteQueueSize is the per-connection outbound frame buffer.
	DefaultWriteQueueSize = 64
	// DefaultEventBufferSize is the buffer of event and command channels.
	DefaultEventBufferSize = 64

	// DefaultProbeInterval is the reachability probe period.
	DefaultProbeInterval = 2 * time.Second
	// DefaultProbeTimeout bounds one reachability probe.
	DefaultProbeTimeout = time.Second

	// CloseMessageCode is the close code sent on a client-initiated close.
	CloseMessageCode = 1000

	// SessionIDLength is the length of the random id attached to session logs.
	SessionIDLength = 8
)

const (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
)
