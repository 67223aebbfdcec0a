package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is the admission check run before any step that opens a remote
// connection or touches a credential artifact.
type Gate struct {
	roster *Roster

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
	now      func() time.Time
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithStartLimit allows burst session starts per requester, refilled one per interval.
// A non-positive burst disables the limit.
func WithStartLimit(interval time.Duration, burst int) GateOption {
	return func(g *Gate) {
		g.burst = burst
		if interval > 0 {
			g.every = rate.Every(interval)
		} else {
			g.every = rate.Inf
		}
	}
}

// WithGateClock overrides the clock used by the rate limiter.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate builds a gate over roster.
func NewGate(roster *Roster, opts ...GateOption) *Gate {
	g := &Gate{
		roster:   roster,
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(20 * time.Second),
		burst:    3,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsAuthorized is a pure roster membership check.
func (g *Gate) IsAuthorized(id string) bool {
	return g.roster.Contains(id)
}

// Admit authorizes a session start and charges the requester's start budget.
// Unauthorized requesters never get a limiter, so the map is bounded by the roster.
func (g *Gate) Admit(id string) error {
	if !g.IsAuthorized(id) {
		return ErrUnauthorized
	}
	if g.burst <= 0 {
		return nil
	}
	g.mu.Lock()
	lim, ok := g.limiters[id]
	if !ok {
		lim = rate.NewLimiter(g.every, g.burst)
		g.limiters[id] = lim
	}
	g.mu.Unlock()
	if !lim.AllowN(g.now(), 1) {
		return ErrRateLimited
	}
	return nil
}

// Roster exposes the underlying roster for reloads.
func (g *Gate) Roster() *Roster { return g.roster }
