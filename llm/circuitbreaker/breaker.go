// Package circuitbreaker tracks per-model failure state for the resilient
// router. One Breaker exists per model name, lazily created through the
// Registry; every mutation is atomic per model so concurrent workflow runs
// hitting the same model never lose updates.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health state of one model.
type Status int

const (
	// StatusOnline means the model is healthy.
	StatusOnline Status = iota
	// StatusDegraded means recent failures were recorded but the circuit
	// has not opened.
	StatusDegraded
	// StatusOffline is an administrative state set by an operator or
	// health prober; it never opens the circuit by itself.
	StatusOffline
	// StatusCircuitOpen means consecutive failures reached the threshold
	// and the model is excluded from routing until the cooldown elapses.
	StatusCircuitOpen
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusDegraded:
		return "degraded"
	case StatusOffline:
		return "offline"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Config configures breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count at which the circuit opens.
	FailureThreshold int
	// CooldownTimeout is how long an open circuit stays closed to traffic
	// before an optimistic reset.
	CooldownTimeout time.Duration
	// OnStateChange is invoked after a status transition.
	OnStateChange func(model string, from, to Status)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		CooldownTimeout:  300 * time.Second,
	}
}

// Breaker tracks failures for a single model.
type Breaker struct {
	model  string
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	status          Status
	failureCount    int
	lastFailureTime time.Time
}

// NewBreaker creates a breaker for one model.
func NewBreaker(model string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CooldownTimeout <= 0 {
		config.CooldownTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		model:  model,
		config: config,
		logger: logger.With(zap.String("model", model)),
		status: StatusOnline,
	}
}

// RecordFailure increments the failure count. The circuit opens exactly when
// the count reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch {
	case b.failureCount >= b.config.FailureThreshold:
		if b.status != StatusCircuitOpen {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setStatus(StatusCircuitOpen)
		}
	case b.status == StatusOnline:
		b.setStatus(StatusDegraded)
	}
}

// RecordSuccess decrements the failure count (floor 0). A success never
// closes an open circuit; only the cooldown in IsAvailable does that.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount > 0 {
		b.failureCount--
	}
	if b.status == StatusDegraded && b.failureCount == 0 {
		b.setStatus(StatusOnline)
	}
}

// IsAvailable reports whether the model may be routed to. An open circuit
// whose cooldown has elapsed resets optimistically: status returns to online
// and the failure count zeroes (half-open probe that immediately closes).
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusCircuitOpen {
		return true
	}
	if time.Since(b.lastFailureTime) > b.config.CooldownTimeout {
		b.logger.Info("circuit cooldown elapsed, resetting",
			zap.Duration("cooldown", b.config.CooldownTimeout),
		)
		b.failureCount = 0
		b.setStatus(StatusOnline)
		return true
	}
	return false
}

// MarkOffline sets the administrative offline state.
func (b *Breaker) MarkOffline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusCircuitOpen {
		b.setStatus(StatusOffline)
	}
}

// MarkOnline clears the administrative offline state.
func (b *Breaker) MarkOnline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusOffline {
		b.setStatus(StatusOnline)
	}
}

// Status returns the current status.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// FailureCount returns the current failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// setStatus transitions the status and fires the change callback.
// Caller must hold b.mu.
func (b *Breaker) setStatus(next Status) {
	prev := b.status
	if prev == next {
		return
	}
	b.status = next
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.model, prev, next)
	}
}

// Registry holds one breaker per model name, created lazily.
type Registry struct {
	config *Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry sharing config across breakers.
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a model, creating it on first use.
func (r *Registry) Get(model string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[model]
	if !ok {
		b = NewBreaker(model, r.config, r.logger)
		r.breakers[model] = b
	}
	return b
}

// Snapshot returns the current status of every tracked model.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.breakers))
	for model, b := range r.breakers {
		out[model] = b.Status()
	}
	return out
}
