package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"aegis/internal/act"
	"aegis/internal/ledger"
	"aegis/internal/tier"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultFastQueueDepth  = 4
	defaultFastContext     = 4096
	defaultFastMaxTokens   = 1024
	defaultRetryCeiling    = 8
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultRetryBackoffMax = 10 * time.Second
	defaultActTimeout      = 30 * time.Second
)

// Config wires the orchestrator to its tiers and ledger.
type Config struct {
	Fast   tier.Model
	Deep   tier.Model
	Ledger *ledger.Ledger

	// FastQueueDepthThreshold: Auto requests go to Fast only while its queue is shorter.
	FastQueueDepthThreshold int
	// FastContextTokens is the Fast model's context window.
	FastContextTokens int
	// FastMaxTokens is the completion budget assumed when a request sets none.
	FastMaxTokens int
	// RetryCeiling bounds InsufficientMemory retries per request. Zero fails
	// on the first; negative selects the default.
	RetryCeiling    int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// DefaultDeadline applies to requests without a deadline; zero means none.
	DefaultDeadline time.Duration

	// Act receives completed generations that contain a directive; nil disables handoff.
	Act        act.Handler
	ActTimeout time.Duration

	Events EventPublisher
	Logger zerolog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FastQueueDepthThreshold <= 0 {
		c.FastQueueDepthThreshold = defaultFastQueueDepth
	}
	if c.FastContextTokens <= 0 {
		c.FastContextTokens = defaultFastContext
	}
	if c.FastMaxTokens <= 0 {
		c.FastMaxTokens = defaultFastMaxTokens
	}
	if c.RetryCeiling < 0 {
		c.RetryCeiling = defaultRetryCeiling
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = max(c.RetryBackoff, defaultRetryBackoffMax)
	}
	if c.ActTimeout <= 0 {
		c.ActTimeout = defaultActTimeout
	}
	if c.Events == nil {
		c.Events = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
