package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute once the breaker has opened.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configure a Breaker.
type Settings struct {
	// Window is the span over which failures are counted. The count starts
	// over with the first failure after a window has elapsed.
	Window time.Duration
	// MaxFailures within one window opens the breaker; 0 means never.
	MaxFailures uint32
	// OnOpen is called once, outside the breaker's lock, when it opens.
	OnOpen func(name string)
	Now    func() time.Time
}

// Breaker counts failed requests and, once too many land in one window,
// refuses every later request. An open breaker never closes again: the peer
// it guards is expected to be dropped.
type Breaker struct {
	name     string
	settings Settings

	mu        sync.Mutex
	state     State
	failures  uint32
	windowEnd time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{name: name, settings: settings}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs req unless the breaker is open. A non-nil error or a panic
// from req counts as a failure; the panic is re-raised.
func (b *Breaker) Execute(req func() error) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}

	defer func() {
		if r := recover(); r != nil {
			b.recordFailure()
			panic(r)
		}
	}()

	err := req()
	if err != nil {
		b.recordFailure()
	}
	return err
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		return
	}
	now := b.settings.Now()
	if !now.Before(b.windowEnd) {
		b.failures = 0
		b.windowEnd = now.Add(b.settings.Window)
	}
	b.failures++
	opened := b.settings.MaxFailures > 0 && b.failures >= b.settings.MaxFailures
	if opened {
		b.state = StateOpen
	}
	b.mu.Unlock()

	if opened && b.settings.OnOpen != nil {
		b.settings.OnOpen(b.name)
	}
}
