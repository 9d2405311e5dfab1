package executor

import (
	"sync"
	"time"
)

// InFlight tracks which orders have a saga running so a second saga for the
// same order is refused. Entries expire after ttl in case a release is lost.
// It is safe for concurrent use.
type InFlight struct {
	held map[uint64]time.Time // order id -> acquired at
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewInFlight creates an InFlight whose entries expire after ttl.
func NewInFlight(ttl time.Duration) *InFlight {
	return &InFlight{
		held: make(map[uint64]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Acquire marks id as in flight. It returns false if another saga holds it
// and has not expired.
func (f *InFlight) Acquire(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if at, ok := f.held[id]; ok && now.Sub(at) < f.ttl {
		return false
	}
	f.held[id] = now
	return true
}

// Release clears id.
func (f *InFlight) Release(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, id)
}

// Held reports whether id is currently in flight.
func (f *InFlight) Held(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.held[id]
	return ok && f.now().Sub(at) < f.ttl
}

// Cleanup drops expired entries. Called periodically by the executor loop.
func (f *InFlight) Cleanup() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	n := 0
	for id, at := range f.held {
		if now.Sub(at) >= f.ttl {
			delete(f.held, id)
			n++
		}
	}
	return n
}
