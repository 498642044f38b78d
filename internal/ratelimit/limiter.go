// Package ratelimit implements the token bucket internal/bridge uses to
// bound how fast the host dispatches hook calls to a single plugin
// process (HookBurst, spec §4.5's hook-dispatch path). It is distinct
// from internal/syscall's rolling window, which bounds a plugin's own
// SYS_CALL rate rather than the host's call-out rate into the plugin.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a Bucket.
type Config struct {
	// RequestsPerSecond is the steady-state refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket's capacity.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether the limit is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the hook-dispatch burst limit's default.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting for one plugin's hook
// dispatch.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a token bucket from config, substituting sane
// defaults for a zero RequestsPerSecond or BurstSize.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}

	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Allow reports whether one hook dispatch should proceed, consuming a
// token if so.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed. Must be called with the
// lock held.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}
