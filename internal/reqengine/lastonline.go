package reqengine

import "sync"

// LastOnlineTracker is an in-memory map of authority -> last-seen epoch
// seconds, periodically drained to storage by the FlushLastOnline job
// rather than written through on every single request.
type LastOnlineTracker struct {
	mu      sync.Mutex
	domains map[string]int64
}

func NewLastOnlineTracker() *LastOnlineTracker {
	return &LastOnlineTracker{domains: make(map[string]int64)}
}

func (t *LastOnlineTracker) MarkSeen(authority string, unixSeconds int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains[authority] = unixSeconds
}

// Take drains and returns the accumulated map, resetting it to empty — the
// same one-shot drain idiom as the original's `std::mem::take`.
func (t *LastOnlineTracker) Take() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.domains
	t.domains = make(map[string]int64)
	return out
}
