package session

import (
	"time"

	"github.com/resws/resws/pkg/backoff"
	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/metrics"
)

// Config controls session behavior.
// Use DefaultConfig() as a starting point and modify as needed.
type Config struct {
	// MaxReconnectAttempts is the number of automatic reconnects made
	// before the session fails and waits for RetryManually.
	MaxReconnectAttempts int

	// HeartbeatInterval is the ping period while connected.
	// Set it to 0 to disable the heartbeat.
	HeartbeatInterval time.Duration

	// ErrorLifetime is how long a transient error stays visible.
	ErrorLifetime time.Duration

	// Backoff computes the delay before each automatic reconnect.
	Backoff backoff.Policy

	// EventBufferSize is the buffer of the command and timer channels.
	EventBufferSize int

	// Logger defaults to logger.Nop().
	Logger logger.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the documented defaults: 5 reconnect attempts,
// 5s heartbeat, 3s error lifetime, exponential backoff with jitter.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: constants.DefaultMaxReconnectAttempts,
		HeartbeatInterval:    constants.DefaultHeartbeatInterval,
		ErrorLifetime:        constants.DefaultErrorLifetime,
		Backoff:              backoff.NewExponential(),
		EventBufferSize:      constants.DefaultEventBufferSize,
		Logger:               logger.Nop(),
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ErrorLifetime <= 0 {
		c.ErrorLifetime = def.ErrorLifetime
	}
	if c.Backoff == nil {
		c.Backoff = def.Backoff
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = def.EventBufferSize
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
}
