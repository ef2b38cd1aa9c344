// Package health tracks per-provider circuit state. Each provider gets its own
// sony/gobreaker two-step breaker so contention stays scoped to one provider.
package health

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrCircuitOpen = errors.New("circuit open")

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitState is a point-in-time view of one provider's circuit.
type CircuitState struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	OpenUntil           time.Time `json:"open_until,omitzero"`
}

type Settings struct {
	FailureThreshold uint32
	Cooldown         time.Duration
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(provider string, from, to State)
}

type Tracker struct {
	settings Settings
	logger   zerolog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker

	// acquireMu pairs the state read with Allow so a ticket knows whether it
	// holds the half-open trial slot.
	acquireMu sync.Mutex

	mu sync.Mutex
	// generation advances on every state change. Tickets from an earlier
	// generation are ignored by the breaker and must not move consecutive.
	generation  uint64
	consecutive int
	total       int
	lastFailure time.Time
	openUntil   time.Time
}

func NewTracker(settings Settings, logger zerolog.Logger) *Tracker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultCooldown
	}
	return &Tracker{
		settings: settings,
		logger:   logger.With().Str("component", "health").Logger(),
		circuits: make(map[string]*circuit),
	}
}

func (t *Tracker) circuit(name string) *circuit {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.circuits[name]; ok {
		return c
	}

	c := &circuit{name: name}
	threshold := t.settings.FailureThreshold
	c.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     t.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.onStateChange(c, fromBreaker(from), fromBreaker(to))
		},
	})
	t.circuits[name] = c
	return c
}

func (t *Tracker) onStateChange(c *circuit, from, to State) {
	c.mu.Lock()
	c.generation++
	if to == StateOpen {
		c.openUntil = time.Now().Add(t.settings.Cooldown)
	} else {
		c.openUntil = time.Time{}
	}
	consecutive := c.consecutive
	c.mu.Unlock()

	t.logger.Warn().
		Str("provider", c.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("consecutive_failures", consecutive).
		Msg("circuit state changed")

	if t.settings.OnStateChange != nil {
		t.settings.OnStateChange(c.name, from, to)
	}
}

// Acquire asks permission to call provider. It returns ErrCircuitOpen while
// the circuit is open or while the single half-open trial is in flight. The
// returned ticket must be settled exactly once.
func (t *Tracker) Acquire(provider string) (*Ticket, error) {
	c := t.circuit(provider)

	c.acquireMu.Lock()
	trial := c.cb.State() != gobreaker.StateClosed
	done, err := c.cb.Allow()
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()
	c.acquireMu.Unlock()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, provider)
		}
		return nil, err
	}
	return &Ticket{c: c, done: done, trial: trial, generation: generation}, nil
}

// Snapshot returns the circuit state of provider. Unknown providers report a
// closed circuit.
func (t *Tracker) Snapshot(provider string) CircuitState {
	t.mu.Lock()
	c, ok := t.circuits[provider]
	t.mu.Unlock()
	if !ok {
		return CircuitState{Provider: provider, State: StateClosed}
	}
	return c.snapshot()
}

// Snapshots returns every tracked circuit sorted by provider.
func (t *Tracker) Snapshots() []CircuitState {
	t.mu.Lock()
	circuits := make([]*circuit, 0, len(t.circuits))
	for _, c := range t.circuits {
		circuits = append(circuits, c)
	}
	t.mu.Unlock()

	out := make([]CircuitState, 0, len(circuits))
	for _, c := range circuits {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (c *circuit) snapshot() CircuitState {
	// State may fire OnStateChange, which takes c.mu.
	state := fromBreaker(c.cb.State())

	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitState{
		Provider:            c.name,
		State:               state,
		ConsecutiveFailures: c.consecutive,
		TotalFailures:       c.total,
		LastFailure:         c.lastFailure,
		OpenUntil:           c.openUntil,
	}
}

// Ticket is permission for one logical call against a provider.
type Ticket struct {
	c          *circuit
	done       func(success bool)
	trial      bool
	generation uint64
	once       sync.Once
}

// Success resets the failure counter and closes a half-open circuit. A ticket
// that outlived a state change leaves the counter alone.
func (t *Ticket) Success() {
	t.once.Do(func() {
		t.c.mu.Lock()
		if t.c.generation == t.generation {
			t.c.consecutive = 0
		}
		t.c.mu.Unlock()
		t.done(true)
	})
}

// Failure counts a provider failure and may open the circuit.
func (t *Ticket) Failure() {
	t.once.Do(func() {
		t.c.mu.Lock()
		if t.c.generation == t.generation {
			t.c.consecutive++
		}
		t.c.total++
		t.c.lastFailure = time.Now()
		t.c.mu.Unlock()
		t.done(false)
	})
}

// Abandon settles a ticket whose call was cancelled by the caller. Nothing is
// counted against the provider, except that a half-open trial slot is handed
// back by reopening the circuit.
func (t *Ticket) Abandon() {
	t.once.Do(func() {
		if t.trial {
			t.done(false)
		}
	})
}
