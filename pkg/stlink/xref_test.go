package stlink

import (
	"sync"
	"testing"
)

func TestXrefPeerAndRelease(t *testing.T) {
	a, b := NewEndpointDescriptor(), NewEndpointDescriptor()
	XrefCreate(a.Xref(), b.Xref())

	p := a.Xref().Peer()
	if p == nil {
		t.Fatal("Peer() returned nil on a linked pair")
	}
	if p.Owner() != b {
		t.Fatal("Peer() did not return the opposite descriptor")
	}
	p.Release()

	p = b.Xref().Peer()
	if p == nil || p.Owner() != a {
		t.Fatal("link must be symmetric")
	}
	p.Release()
}

func TestXrefDisconnectSeversBothEnds(t *testing.T) {
	a, b := NewEndpointDescriptor(), NewEndpointDescriptor()
	XrefCreate(a.Xref(), b.Xref())

	p := a.Xref().Peer()
	a.Xref().Disconnect(p)

	if a.Xref().Peer() != nil {
		t.Fatal("disconnecting side still sees a peer")
	}
	if b.Xref().Peer() != nil {
		t.Fatal("disconnected side still sees a peer")
	}
}

// Two goroutines hammer the same link: one repeatedly peeks, the other
// disconnects. The locking protocol must never yield a stale peer.
func TestXrefDisconnectRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := NewEndpointDescriptor(), NewEndpointDescriptor()
		XrefCreate(a.Xref(), b.Xref())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				p := a.Xref().Peer()
				if p == nil {
					return
				}
				if p.Owner() != b {
					t.Error("stale peer observed")
					p.Release()
					return
				}
				p.Release()
			}
		}()
		go func() {
			defer wg.Done()
			if p := b.Xref().Peer(); p != nil {
				b.Xref().Disconnect(p)
			}
		}()
		wg.Wait()
	}
}
