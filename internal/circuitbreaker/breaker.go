// Package circuitbreaker guards provider sends: repeated failures open the
// circuit, sends fail fast while open, and a half-open probe window decides
// when to close again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// ErrTooManyProbes is returned in half-open state once the probe budget is
// spent.
var ErrTooManyProbes = errors.New("too many half-open probes")

// Config tunes one breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// MaxProbes bounds concurrent requests while half-open.
	MaxProbes uint32
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MaxProbes == 0 {
		c.MaxProbes = 1
	}
}

// Counts is a snapshot of breaker statistics for the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	cfg.applyDefaults()
	return &Breaker{name: name, config: cfg, logger: logger, state: StateClosed}
}

// Execute runs fn unless the circuit is open. The outcome of fn moves the
// breaker state.
func (b *Breaker) Execute(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State returns the current state, accounting for open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Snapshot returns the current generation's counts.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state, gen := b.currentState(now)
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes:
		return gen, ErrTooManyProbes
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state, cur := b.currentState(now)
	if gen != cur {
		return // state rolled over while the call was in flight
	}
	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.transition(StateClosed, now)
		}
		return
	}
	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// currentState resolves open → half-open once the open timeout has elapsed.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.OpenTimeout {
		b.transition(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.counts = Counts{}
	if to == StateOpen {
		b.openedAt = now
	}
	b.logger.Warn("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Registry hands out one breaker per name with a shared config.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	cfg.applyDefaults()
	return &Registry{breakers: make(map[string]*Breaker), config: cfg, logger: logger}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.config, r.logger)
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
