package chain

import (
	"context"
	"sync"
)

// Sequencer hands out monotonically increasing sequence numbers (nonces) for
// one signing identity. Each successful submission consumes one slot;
// concurrent writers under the same identity are serialized here so two
// transactions never race for the same nonce. An aborted submission returns
// its slot only when it is still the highest one handed out.
type Sequencer struct {
	mu     sync.Mutex
	next   uint64
	primed bool
	fetch  func(ctx context.Context) (uint64, error)
}

// NewSequencer builds a sequencer primed lazily from fetch (typically the
// node's pending-nonce view for the signing address).
func NewSequencer(fetch func(ctx context.Context) (uint64, error)) *Sequencer {
	return &Sequencer{fetch: fetch}
}

// Reserve allocates the next sequence slot. The returned release func must
// be called exactly once: release(true) commits the slot, release(false)
// tries to hand it back so the next submission reuses it.
func (s *Sequencer) Reserve(ctx context.Context) (uint64, func(committed bool), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		n, err := s.fetch(ctx)
		if err != nil {
			return 0, nil, err
		}
		s.next = n
		s.primed = true
	}
	slot := s.next
	s.next++
	var once sync.Once
	release := func(committed bool) {
		once.Do(func() {
			if committed {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.next == slot+1 {
				s.next = slot
			}
			// A later slot was already handed out; the gap will be filled
			// by re-priming on the next submission failure.
		})
	}
	return slot, release, nil
}

// Reset drops the cached counter so the next Reserve re-primes from fetch.
// Called after a nonce-related submission error.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primed = false
}
