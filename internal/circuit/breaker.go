// Package circuit guards calls to an unreliable upstream so the gateway
// degrades instead of hammering a service that keeps failing.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the breaker is blocking calls.
var ErrOpen = errors.New("circuit breaker open")

// Config bounds the breaker. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Breaker trips after FailureThreshold consecutive failures. Once the
// cooldown has passed a single probe call is let through; its outcome
// either closes the breaker or restarts the cooldown.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New builds a breaker named after the upstream it guards.
func New(name string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit").Str("upstream", name).Logger(),
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns
// ErrOpen until the cooldown elapses, then admits one probe call in the
// half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.logger.Info().Msg("circuit half-open, probing upstream")
		return nil
	case StateHalfOpen:
		// Only the probe already in flight may talk to the upstream.
		return ErrOpen
	default:
		return nil
	}
}

// Success records a completed call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info().Msg("circuit closed, upstream recovered")
	}
	b.state = StateClosed
	b.failures = 0
}

// Failure records a failed call. Only consecutive failures count toward
// the threshold; a failed probe reopens the breaker immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state != StateHalfOpen && b.failures < b.cfg.FailureThreshold {
		return
	}
	if b.state != StateOpen {
		b.logger.Warn().
			Int("consecutive_failures", b.failures).
			Dur("cooldown", b.cfg.Cooldown).
			Msg("circuit opened")
	}
	b.state = StateOpen
	b.openedAt = time.Now()
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
