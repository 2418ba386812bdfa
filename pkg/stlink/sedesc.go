package stlink

import (
	"sync/atomic"
	"time"
)

// An EndpointDescriptor is the shared state block between an endpoint (mux
// stream or applet) and the connector bound to it. It outlives whichever
// side disappears first: with no endpoint it is EpDetached and owned by the
// connector; with no connector it is EpOrphan and owned by the endpoint.
// Exactly one of the two sides always owns it, and the owner frees it.
//
// The flag word is atomic because the endpoint side may report events from
// its own goroutines. The activity timestamps are only touched from the
// stream's processing goroutine.
type EndpointDescriptor struct {
	se    any        // endpoint instance (Muxer stream or *AppContext), nil when detached
	conn  Conn       // underlying connection for mux endpoints
	sc    *Connector // bound connector, nil when orphaned
	flags atomic.Uint32

	lra  time.Time // last read activity
	fsb  time.Time // first send blocked
	xref Xref      // weak link to the opposite side's descriptor
}

// NewEndpointDescriptor returns a fresh descriptor in the detached state,
// owned by the caller.
func NewEndpointDescriptor() *EndpointDescriptor {
	sd := &EndpointDescriptor{}
	sd.xref.owner = sd
	sd.flags.Store(uint32(EpDetached | EpOrphan))
	return sd
}

// Se returns the endpoint instance, or nil when detached.
func (sd *EndpointDescriptor) Se() any { return sd.se }

// Conn returns the underlying connection for mux endpoints, nil otherwise.
func (sd *EndpointDescriptor) Conn() Conn { return sd.conn }

// Sc returns the bound connector, or nil when orphaned.
func (sd *EndpointDescriptor) Sc() *Connector { return sd.sc }

// Xref returns the descriptor's peer-link slot.
func (sd *EndpointDescriptor) Xref() *Xref { return &sd.xref }

// Flags returns the current flag word.
func (sd *EndpointDescriptor) Flags() EndpointFlags {
	return EndpointFlags(sd.flags.Load())
}

// Test reports whether any of the given flags is set.
func (sd *EndpointDescriptor) Test(f EndpointFlags) bool {
	return sd.Flags()&f != 0
}

// Set atomically sets the given flags.
func (sd *EndpointDescriptor) Set(f EndpointFlags) {
	for {
		old := sd.flags.Load()
		if sd.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// Clr atomically clears the given flags.
func (sd *EndpointDescriptor) Clr(f EndpointFlags) {
	for {
		old := sd.flags.Load()
		if sd.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// ZeroFlags resets the flag word to exactly f.
func (sd *EndpointDescriptor) ZeroFlags(f EndpointFlags) {
	sd.flags.Store(uint32(f))
}

// AttachMux binds a mux stream and its connection to the descriptor, making
// it a live mux endpoint.
func (sd *EndpointDescriptor) AttachMux(se Muxer, conn Conn) {
	sd.se = se
	sd.conn = conn
	sd.Set(EpMux)
	sd.Clr(EpDetached)
}

// AttachApplet binds an applet context to the descriptor.
func (sd *EndpointDescriptor) AttachApplet(cx *AppContext) {
	sd.se = cx
	sd.Set(EpApplet)
	sd.Clr(EpDetached)
}

// bindSc attaches or clears the connector pointer.
func (sd *EndpointDescriptor) bindSc(sc *Connector) {
	sd.sc = sc
	if sc == nil {
		sd.Set(EpOrphan)
	} else {
		sd.Clr(EpOrphan)
	}
}

// reset returns the descriptor to the blank detached state so a surviving
// connector can reuse it after losing its endpoint.
func (sd *EndpointDescriptor) reset() {
	sd.se = nil
	sd.conn = nil
	sd.lra = time.Time{}
	sd.fsb = time.Time{}
	sd.ZeroFlags(EpDetached)
	if sd.sc == nil {
		sd.Set(EpOrphan)
	}
}

// Free releases the descriptor. It traps if a live connector still points
// here through an attached endpoint; the owner protocol forbids that.
func (sd *EndpointDescriptor) Free() {
	if sd == nil {
		return
	}
	if sd.sc != nil && !sd.Test(EpDetached) {
		panic("stlink: freeing an endpoint descriptor still bound to a connector")
	}
	if p := sd.xref.Peer(); p != nil {
		sd.xref.Disconnect(p)
	}
	sd.se = nil
	sd.conn = nil
	sd.sc = nil
}

// ReportReadActivity records that the endpoint just produced or advanced
// data, refreshing the read-activity clock.
func (sd *EndpointDescriptor) ReportReadActivity() {
	sd.lra = time.Now()
}

// ReportSendActivity records that all pending data was flushed, disarming
// the blocked-send clock.
func (sd *EndpointDescriptor) ReportSendActivity() {
	sd.fsb = time.Time{}
}

// ReportBlockedSend records that data remains unsent. didSend restarts the
// clock, since partial progress proves the outlet is alive.
func (sd *EndpointDescriptor) ReportBlockedSend(didSend bool) {
	if didSend || sd.fsb.IsZero() {
		sd.fsb = time.Now()
	}
}

// LastReadActivity returns the read-activity timestamp, zero when none.
func (sd *EndpointDescriptor) LastReadActivity() time.Time { return sd.lra }

// FirstSendBlocked returns the blocked-send timestamp, zero when sends are
// not blocked.
func (sd *EndpointDescriptor) FirstSendBlocked() time.Time { return sd.fsb }
