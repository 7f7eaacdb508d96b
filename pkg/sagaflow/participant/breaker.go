package participant

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig configures a Breaker's failure-rate window.
type BreakerConfig struct {
	// FailureRate is the fraction of failures (0.0-1.0) within the
	// window that trips the breaker open.
	FailureRate float64

	// MinSamples is the minimum number of calls observed before the
	// failure rate is evaluated; below this the breaker stays closed.
	MinSamples int

	// WindowSize is the number of most recent outcomes retained for the
	// failure-rate calculation.
	WindowSize int

	// OpenDuration is how long the breaker stays open before allowing a
	// half-open probe.
	OpenDuration time.Duration
}

// DefaultBreakerConfig is a reasonable default for a participant call.
var DefaultBreakerConfig = BreakerConfig{
	FailureRate:  0.5,
	MinSamples:   10,
	WindowSize:   20,
	OpenDuration: 30 * time.Second,
}

// Breaker is a per-participant circuit breaker: closed admits calls,
// open fails calls fast without touching the wire, half-open admits a
// single probe to decide whether to close or reopen.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         breakerState
	openedAt      time.Time
	outcomes      []bool // true = success, ring buffer of the last WindowSize calls
	probeInFlight bool
}

// NewBreaker creates a Breaker with the given configuration, falling back
// to DefaultBreakerConfig for zero-valued fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = DefaultBreakerConfig.FailureRate
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultBreakerConfig.MinSamples
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultBreakerConfig.WindowSize
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultBreakerConfig.OpenDuration
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. When the breaker is open and
// OpenDuration has elapsed, it transitions to half-open and allows exactly
// one probe through; further callers are rejected until that probe
// reports its outcome via RecordResult.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		return true
	case breakerHalfOpen:
		return false
	default:
		return true
	}
}

// RecordResult reports the outcome of a call admitted by Allow.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		if success {
			b.state = breakerClosed
			b.outcomes = b.outcomes[:0]
		} else {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
		return
	}

	b.outcomes = append(b.outcomes, success)
	if len(b.outcomes) > b.cfg.WindowSize {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.WindowSize:]
	}

	if len(b.outcomes) < b.cfg.MinSamples {
		return
	}

	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) >= b.cfg.FailureRate {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// State reports the current breaker state as a string, for observability.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
