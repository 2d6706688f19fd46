package tools

import (
	"sync"
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// BreakerState is the state of a per-tool circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until cooldown elapses
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures every breaker created by a BreakerSet.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// BreakerSet holds one breaker per tool name.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerSet creates an empty set. Zero config fields take defaults.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerSet{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to tool may proceed, or a CIRCUIT_OPEN error.
func (s *BreakerSet) Allow(tool string) error {
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		elapsed := s.now().Sub(b.lastFailure)
		if elapsed >= s.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for tool %q after %d consecutive failures", tool, b.failures).
			WithDetails(map[string]any{
				"tool":                 tool,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (s.config.Cooldown - elapsed).String(),
			})

	case BreakerHalfOpen:
		if b.halfOpenAttempts >= s.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for tool %q: trial limit reached", tool).
				WithDetails(map[string]any{"tool": tool})
		}
		b.halfOpenAttempts++
	}
	return nil
}

// Success closes the breaker for tool.
func (s *BreakerSet) Success(tool string) {
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// Failure records a failed call and returns the resulting state.
func (s *BreakerSet) Failure(tool string) BreakerState {
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = s.now()

	if b.state == BreakerHalfOpen || b.failures >= s.config.FailureThreshold {
		b.state = BreakerOpen
	}
	return b.state
}

// State returns the breaker state for tool, moving an open breaker to
// half-open once its cooldown has elapsed.
func (s *BreakerSet) State(tool string) BreakerState {
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && s.now().Sub(b.lastFailure) >= s.config.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (s *BreakerSet) get(tool string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[tool]
	if !ok {
		b = &breaker{}
		s.breakers[tool] = b
	}
	return b
}
