package resilience

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a peer exceeds its request budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// GuardConfig bounds what a single untrusted peer may do.
type GuardConfig struct {
	// RequestsPerSecond is the sustained request rate; <= 0 means unlimited
	RequestsPerSecond int
	Burst             int
	// MaxFailures is the number of failed requests within Window that trips
	// the guard; <= 0 means never
	MaxFailures int
	Window      time.Duration
	// OnTrip is called once when the guard trips
	OnTrip func(name string)
	Now    func() time.Time
}

// Guard combines a token bucket with a breaker for one peer. Once tripped it
// stays open; the owner is expected to drop the peer.
type Guard struct {
	limiter *rate.Limiter
	breaker *Breaker
}

// NewGuard creates a guard for the named peer.
func NewGuard(name string, cfg GuardConfig) *Guard {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	maxFailures := uint32(0)
	if cfg.MaxFailures > 0 {
		maxFailures = uint32(cfg.MaxFailures)
	}

	return &Guard{
		limiter: rate.NewLimiter(limit, burst),
		breaker: New(name, Settings{
			Window:      cfg.Window,
			MaxFailures: maxFailures,
			OnOpen:      cfg.OnTrip,
			Now:         cfg.Now,
		}),
	}
}

// Do runs req if the peer is within budget. Requests over the rate limit
// count as failures. Once tripped, Do returns ErrCircuitOpen.
func (g *Guard) Do(req func() error) error {
	if !g.limiter.Allow() {
		if err := g.breaker.Execute(func() error { return ErrRateLimited }); errors.Is(err, ErrCircuitOpen) {
			return err
		}
		return ErrRateLimited
	}
	return g.breaker.Execute(req)
}

// Tripped reports whether the peer has exhausted its failure budget.
func (g *Guard) Tripped() bool {
	return g.breaker.State() == StateOpen
}
