package stlink

import (
	"sync"
	"sync/atomic"
)

// An Xref is one end of a revocable bidirectional link between the two
// endpoint descriptors of a stream. Either side may disappear at any time;
// the link lets one side peek at the other, under a lock, without owning
// it. Each descriptor embeds one Xref slot.
//
// Both ends of a pair share a mutex allocated when the pair is created. A
// reader must acquire the peer through Peer (which takes the lock), use it,
// and then Release or Disconnect. Hold times must stay short; only flag
// reads and wakeup scheduling belong under the lock.
type Xref struct {
	owner *EndpointDescriptor
	mu    atomic.Pointer[sync.Mutex]
	peer  atomic.Pointer[Xref]
}

// Owner returns the descriptor this slot is embedded in.
func (x *Xref) Owner() *EndpointDescriptor {
	return x.owner
}

// XrefCreate links a and b as peers. Any previous link of either slot must
// already be disconnected.
func XrefCreate(a, b *Xref) {
	mu := new(sync.Mutex)
	a.mu.Store(mu)
	b.mu.Store(mu)
	a.peer.Store(b)
	b.peer.Store(a)
}

// Peer acquires the pair lock and returns the opposite end, or nil if the
// link is gone (in which case the lock is not held). A non-nil result must
// be followed by Release or Disconnect.
func (x *Xref) Peer() *Xref {
	for {
		mu := x.mu.Load()
		if mu == nil {
			return nil
		}
		mu.Lock()
		if x.mu.Load() == mu {
			p := x.peer.Load()
			if p == nil {
				mu.Unlock()
				return nil
			}
			return p
		}
		// the link was rebuilt while we were waiting, retry
		mu.Unlock()
	}
}

// Release drops the pair lock taken by Peer.
func (x *Xref) Release() {
	x.mu.Load().Unlock()
}

// Disconnect severs the link in both directions and drops the pair lock.
// peer must be the value returned by Peer.
func (x *Xref) Disconnect(peer *Xref) {
	x.peer.Store(nil)
	peer.peer.Store(nil)
	x.mu.Load().Unlock()
}
