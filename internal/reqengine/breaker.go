package reqengine

import (
	"sync"
	"time"

	"github.com/klppl/relaybridge/internal/relayerr"
)

// BreakerStrategy classifies an HTTP outcome as success or failure for the
// purposes of a specific call site sharing a per-authority breaker. The same
// breaker instance may be probed under different strategies by different
// callers (an inbox delivery vs. a media fetch to the same authority), so the
// strategy is supplied per call, not fixed at breaker construction.
type BreakerStrategy int

const (
	// Require2XX treats anything outside 200-299 as a failure. Used for
	// activity delivery.
	Require2XX BreakerStrategy = iota
	// Allow401AndAbove treats any status >= 401 as success too, since an
	// authenticated-but-rejected probe still proves the authority is alive.
	Allow401AndAbove
	// Allow404AndBelow treats any status <= 404 as success, used for media
	// fetches where a 404 just means the asset is gone, not that the server
	// is unhealthy.
	Allow404AndBelow
)

// Outcome classifies the result of one call under a strategy.
func (s BreakerStrategy) Outcome(statusCode int) bool {
	switch s {
	case Allow401AndAbove:
		return statusCode >= 401 || (statusCode >= 200 && statusCode < 300)
	case Allow404AndBelow:
		return statusCode <= 404
	default:
		return statusCode >= 200 && statusCode < 300
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

const (
	breakerThreshold = 10
	breakerCooldown  = 30 * time.Minute
)

// authorityBreaker is the per-authority circuit state, generalized from a
// single implicit per-relay strategy to the three explicit BreakerStrategy
// variants a caller selects per request.
type authorityBreaker struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// allow reports whether a call may proceed, and whether this call is the
// half-open trial probe (only one probe is let through per cooldown).
func (b *authorityBreaker) allow() (ok bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, false
	case stateOpen:
		if time.Since(b.openedAt) < breakerCooldown {
			return false, false
		}
		if b.probing {
			return false, false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true, true
	case stateHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	default:
		return true, false
	}
}

func (b *authorityBreaker) recordSuccess(wasProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = stateClosed
	b.probing = false
}

func (b *authorityBreaker) recordFailure(wasProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wasProbe {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= breakerThreshold {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
	b.probing = false
}

// BreakerRegistry owns one authorityBreaker per remote authority.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*authorityBreaker
}

func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*authorityBreaker)}
}

func (r *BreakerRegistry) get(authority string) *authorityBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[authority]
	if !ok {
		b = &authorityBreaker{}
		r.breakers[authority] = b
	}
	return b
}

// Guard runs fn (an HTTP call returning the resulting status code) behind
// authority's breaker, classifying the outcome with strategy. Returns
// relayerr.KindBreaker without calling fn at all when the breaker is open.
func (r *BreakerRegistry) Guard(authority string, strategy BreakerStrategy, fn func() (int, error)) error {
	b := r.get(authority)
	ok, isProbe := b.allow()
	if !ok {
		return relayerr.New(relayerr.KindBreaker, "circuit open for "+authority)
	}

	status, err := fn()
	if err != nil {
		b.recordFailure(isProbe)
		return err
	}
	if strategy.Outcome(status) {
		b.recordSuccess(isProbe)
		return nil
	}
	b.recordFailure(isProbe)
	return &relayerr.Error{Kind: relayerr.KindStatus, Authority: authority, Code: status, Detail: "non-success response"}
}

// Reset clears an authority's breaker state, manually un-tripping it.
func (r *BreakerRegistry) Reset(authority string) {
	b := r.get(authority)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// Status reports whether authority's breaker is currently open (or half
// open), and its failure count.
func (r *BreakerRegistry) Status(authority string) (open bool, failures int) {
	b := r.get(authority)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateClosed, b.failures
}
