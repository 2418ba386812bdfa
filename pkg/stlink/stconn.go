package stlink

import (
	"net"
	"sync"
	"time"

	"github.com/sammck-go/logger"
)

// appOps is the set of callbacks the app layer side of a connector exposes
// to the rest of the machinery. Which implementation is installed depends on
// the app kind (stream or check) and on the endpoint kind (mux, applet or
// none).
type appOps interface {
	// chkRcv reacts to newly available room or a read-side policy change.
	chkRcv(sc *Connector)
	// chkSnd pushes pending output data towards the endpoint.
	chkSnd(sc *Connector)
	// abort performs the read-side shutdown.
	abort(sc *Connector)
	// shutdown performs the write-side shutdown.
	shutdown(sc *Connector)
	// wake lets the endpoint notify the app layer of activity.
	wake(sc *Connector)
	// name identifies the ops set in logs.
	name() string
}

// A Connector ties one side of a stream (its app layer) to an endpoint (a
// mux stream or an applet) through a shared EndpointDescriptor. It carries
// the per-side shutdown state, the blocking conditions, and the I/O timeout
// bookkeeping.
//
// A connector always has a descriptor while alive. It may temporarily lack
// an endpoint (the descriptor is then EpDetached) or an app layer; when it
// has neither it is released.
type Connector struct {
	logger.Logger

	flags      Flags
	state      State
	ioto       time.Duration // I/O inactivity timeout, 0 means none
	hcto       time.Duration // half-close timeout, 0 means none
	roomNeeded RoomNeed

	waitEvent WaitEvent
	sd        *EndpointDescriptor
	app       any         // Stream or Check, nil when the app layer detached
	lock      sync.Locker // app layer's lock when it has one, set at attach
	ops       appOps

	src, dst net.Addr

	released bool
}

func newConnector(lg logger.Logger, sd *EndpointDescriptor) *Connector {
	sc := &Connector{
		Logger: lg.ForkLogStr("stconn"),
		state:  StateInit,
		sd:     sd,
	}
	sd.bindSc(sc)
	return sc
}

// NewFromEndpoint binds a connector to an existing orphaned descriptor on
// behalf of strm. This is the frontend path: the endpoint exists first and
// the stream is created for it. On return the descriptor is no longer
// orphaned and is flagged as reused.
func NewFromEndpoint(lg logger.Logger, sd *EndpointDescriptor, strm Stream) (*Connector, error) {
	if !sd.Test(EpOrphan) {
		panic("stlink: NewFromEndpoint on a descriptor that already has a connector")
	}
	sc := newConnector(lg, sd)
	if err := sc.AttachStream(strm); err != nil {
		sd.bindSc(nil)
		return nil, err
	}
	sd.Set(EpNotFirst)
	return sc, nil
}

// NewFromStream allocates a connector and a fresh detached descriptor for
// strm. This is the backend path: the connector exists first and an
// endpoint is attached later.
func NewFromStream(lg logger.Logger, strm Stream) *Connector {
	sc := newConnector(lg, NewEndpointDescriptor())
	sc.flags |= FlBack
	sc.app = strm
	sc.lock, _ = strm.(sync.Locker)
	sc.ops = opsEmbedded
	return sc
}

// NewFromCheck allocates a connector and a fresh detached descriptor for a
// health check.
func NewFromCheck(lg logger.Logger, chk Check) *Connector {
	sc := newConnector(lg, NewEndpointDescriptor())
	sc.flags |= FlBack
	sc.app = chk
	sc.lock, _ = chk.(sync.Locker)
	sc.ops = opsCheck
	return sc
}

// free releases the connector's own resources. The descriptor, if still
// present, must be detached by now.
func (sc *Connector) free() {
	sc.src, sc.dst = nil, nil
	if sc.sd != nil {
		if !sc.sd.Test(EpDetached) {
			panic("stlink: releasing a connector whose endpoint is still attached")
		}
		sc.sd.Free()
		sc.sd = nil
	}
	sc.waitEvent.Tasklet = nil
	sc.waitEvent.Events = 0
	sc.released = true
}

// maybeFree releases the connector if nothing references it anymore: no app
// layer and no (attached) endpoint. Reports whether it was released.
func (sc *Connector) maybeFree() bool {
	if sc.app == nil && (sc.sd == nil || sc.sd.Test(EpDetached)) {
		sc.free()
		return true
	}
	return false
}

// Released reports whether the connector was fully released. Mostly useful
// to the app layer after Destroy-like teardowns.
func (sc *Connector) Released() bool { return sc.released }

// State returns the connector's current life-cycle state.
func (sc *Connector) State() State { return sc.state }

// SetState moves the connector to state s. Transitions are driven by the
// app layer and by the I/O paths; this performs no validation.
func (sc *Connector) SetState(s State) { sc.state = s }

// Flags returns the connector's flag word.
func (sc *Connector) Flags() Flags { return sc.flags }

// SetFlags sets the given connector flags.
func (sc *Connector) SetFlags(f Flags) { sc.flags |= f }

// ClrFlags clears the given connector flags.
func (sc *Connector) ClrFlags(f Flags) { sc.flags &^= f }

// IsBack reports whether this is the backend-side connector of its stream.
func (sc *Connector) IsBack() bool { return sc.flags&FlBack != 0 }

// Descriptor returns the connector's endpoint descriptor.
func (sc *Connector) Descriptor() *EndpointDescriptor { return sc.sd }

// EpTest reports whether any of the given endpoint flags is set on the
// descriptor.
func (sc *Connector) EpTest(f EndpointFlags) bool { return sc.sd.Test(f) }

// EpSet sets endpoint flags on the descriptor.
func (sc *Connector) EpSet(f EndpointFlags) { sc.sd.Set(f) }

// EpClr clears endpoint flags on the descriptor.
func (sc *Connector) EpClr(f EndpointFlags) { sc.sd.Clr(f) }

// Conn returns the underlying connection for mux endpoints, nil otherwise.
func (sc *Connector) Conn() Conn {
	if sc.sd == nil {
		return nil
	}
	return sc.sd.conn
}

// Strm returns the owning stream, or nil when the app layer is not a
// stream.
func (sc *Connector) Strm() Stream {
	s, _ := sc.app.(Stream)
	return s
}

// Chk returns the owning check, or nil when the app layer is not a check.
func (sc *Connector) Chk() Check {
	c, _ := sc.app.(Check)
	return c
}

// mustStrm traps when the app layer is not a stream. The stream-only paths
// use it to catch misrouted calls early.
func (sc *Connector) mustStrm() Stream {
	s, ok := sc.app.(Stream)
	if !ok {
		sc.Panic("stlink: stream operation on a non-stream connector")
	}
	return s
}

// muxer returns the mux stream endpoint. Traps when the endpoint is not a
// mux.
func (sc *Connector) muxer() Muxer {
	m, ok := sc.sd.se.(Muxer)
	if !ok {
		sc.Panic("stlink: mux operation on a non-mux endpoint")
	}
	return m
}

// AppContext returns the applet context endpoint, or nil when the endpoint
// is not an applet.
func (sc *Connector) AppContext() *AppContext {
	cx, _ := sc.sd.se.(*AppContext)
	return cx
}

// Opposite returns the connector on the other side of the stream, or nil
// when the app layer is not a stream.
func (sc *Connector) Opposite() *Connector {
	if s := sc.Strm(); s != nil {
		return s.Opposite(sc)
	}
	return nil
}

// ic returns the channel this connector produces into.
func (sc *Connector) ic() Channel { return sc.mustStrm().InChannel(sc) }

// oc returns the channel this connector consumes from.
func (sc *Connector) oc() Channel { return sc.mustStrm().OutChannel(sc) }

// SrcAddr returns the source address of this side, either the one
// explicitly set or none.
func (sc *Connector) SrcAddr() net.Addr { return sc.src }

// DstAddr returns the destination address of this side.
func (sc *Connector) DstAddr() net.Addr { return sc.dst }

// SetSrcAddr records the source address of this side.
func (sc *Connector) SetSrcAddr(a net.Addr) { sc.src = a }

// SetDstAddr records the destination address of this side.
func (sc *Connector) SetDstAddr(a net.Addr) { sc.dst = a }

// IOTimeout returns the I/O inactivity timeout, 0 when none.
func (sc *Connector) IOTimeout() time.Duration { return sc.ioto }

// SetIOTimeout arms the I/O inactivity timeout.
func (sc *Connector) SetIOTimeout(d time.Duration) { sc.ioto = d }

// SetHalfCloseTimeout records the timeout to apply once this side is
// half-closed. ArmHalfCloseTimeout installs it.
func (sc *Connector) SetHalfCloseTimeout(d time.Duration) { sc.hcto = d }

// ArmHalfCloseTimeout replaces the I/O timeout with the half-close timeout
// when one is configured. Called when one direction shuts while the other
// stays open.
func (sc *Connector) ArmHalfCloseTimeout() {
	if sc.hcto > 0 {
		sc.ioto = sc.hcto
	}
}

// RoomNeeded returns the pending room requirement.
func (sc *Connector) RoomNeeded() RoomNeed { return sc.roomNeeded }

// NeedRoom blocks receives until the input channel can accept r.
func (sc *Connector) NeedRoom(r RoomNeed) {
	sc.flags |= FlNeedRoom
	sc.roomNeeded = r
}

// HaveRoom unblocks a connector waiting for room.
func (sc *Connector) HaveRoom() {
	sc.flags &^= FlNeedRoom
	sc.roomNeeded = RoomUnblock
}

// WontRead marks the connector as unwilling to read more data.
func (sc *Connector) WontRead() { sc.flags |= FlWontRead }

// WillRead re-enables reading.
func (sc *Connector) WillRead() { sc.flags &^= FlWontRead }

// ReadShutState returns the progression of the read-side shutdown.
func (sc *Connector) ReadShutState() ShutState {
	switch {
	case sc.flags&FlAbortDone != 0:
		return ShutDone
	case sc.flags&FlAbortWanted != 0:
		return ShutWanted
	default:
		return ShutOpen
	}
}

// WriteShutState returns the progression of the write-side shutdown.
func (sc *Connector) WriteShutState() ShutState {
	switch {
	case sc.flags&FlShutDone != 0:
		return ShutDone
	case sc.flags&FlShutWanted != 0:
		return ShutWanted
	default:
		return ShutOpen
	}
}

// ScheduleShutdown requests a write shutdown to be performed once pending
// output drains. A no-op if one is already wanted or done.
func (sc *Connector) ScheduleShutdown() {
	if sc.flags&(FlShutDone|FlShutWanted) == 0 {
		sc.flags |= FlShutWanted
	}
}

// ScheduleAbort requests a read shutdown to be performed as soon as
// possible. A no-op if one is already wanted or done.
func (sc *Connector) ScheduleAbort() {
	if sc.flags&(FlAbortDone|FlAbortWanted) == 0 {
		sc.flags |= FlAbortWanted
	}
}

// IsRecvAllowed reports whether the endpoint may deliver data into the
// input channel right now.
func (sc *Connector) IsRecvAllowed() bool {
	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return false
	}
	if sc.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 {
		return false
	}
	return !sc.EpTest(EpNeedConn | EpHaveNoData)
}

// isSendAllowed reports whether pending output may be pushed to the
// endpoint right now.
func (sc *Connector) isSendAllowed() bool {
	if sc.oc().IsEmpty() {
		return false
	}
	if sc.flags&FlShutDone != 0 {
		return false
	}
	return !sc.EpTest(EpWaitData | EpWontConsume)
}

// WaitingRoom reports whether receives are blocked on buffer or room
// availability.
func (sc *Connector) WaitingRoom() bool {
	return sc.flags&(FlNeedBuff|FlNeedRoom) != 0
}

// RcvExpire returns the deadline after which the lack of read activity
// becomes a timeout, zero when reads cannot time out right now.
func (sc *Connector) RcvExpire() time.Time {
	if sc.ioto == 0 || sc.flags&(FlEOS|FlAbortDone) != 0 {
		return time.Time{}
	}
	lra := sc.sd.LastReadActivity()
	if lra.IsZero() {
		return time.Time{}
	}
	return lra.Add(sc.ioto)
}

// SndExpire returns the deadline after which a blocked send becomes a
// timeout, zero when sends are not blocked.
func (sc *Connector) SndExpire() time.Time {
	if sc.ioto == 0 || sc.flags&FlShutDone != 0 {
		return time.Time{}
	}
	fsb := sc.sd.FirstSendBlocked()
	if fsb.IsZero() {
		return time.Time{}
	}
	return fsb.Add(sc.ioto)
}

// isConnError reports whether the underlying connection failed.
func (sc *Connector) isConnError() bool {
	c := sc.Conn()
	return c != nil && c.Failed()
}

// ChkRcv tells the app layer that room or read policy changed on the input
// side. Nothing is dispatched while the endpoint may not deliver anyway,
// otherwise idle applets would be woken in loops.
func (sc *Connector) ChkRcv() {
	if sc.EpTest(EpNeedConn) {
		if sco := sc.Opposite(); sco != nil && sco.state.In(stsRdyEst|stsEstDisClo) {
			sc.EpClr(EpNeedConn)
		}
	}

	if !sc.IsRecvAllowed() {
		return
	}

	if !sc.state.In(stsRdyEst) {
		return
	}

	if sc.ops != nil {
		sc.ops.chkRcv(sc)
	}
}

// ChkSnd tells the app layer to try pushing pending output towards the
// endpoint.
func (sc *Connector) ChkSnd() {
	if sc.ops != nil {
		sc.ops.chkSnd(sc)
	}
}

// Abort performs the read-side shutdown appropriate for the current
// endpoint kind. Idempotent.
func (sc *Connector) Abort() {
	if sc.ops != nil {
		sc.ops.abort(sc)
	}
	sc.flags &^= FlAbortWanted
}

// Shutdown performs the write-side shutdown appropriate for the current
// endpoint kind. Idempotent.
func (sc *Connector) Shutdown() {
	if sc.ops != nil {
		sc.ops.shutdown(sc)
	}
	sc.flags &^= FlShutWanted
}

// Wake lets the endpoint notify the app layer of activity or state changes
// outside the regular data path. Safe to call spuriously.
func (sc *Connector) Wake() {
	if sc.ops != nil {
		sc.ops.wake(sc)
	}
}

// runSerialized executes fn under the owning app layer's lock when it
// provides one. A stream whose channels are touched from several goroutines
// implements sync.Locker to serialize endpoint callbacks with its own
// processing passes; the callbacks of both connectors and of any applet
// then never overlap it. The lock is captured when the app layer attaches,
// so acquiring it never reads state the teardown path mutates.
func (sc *Connector) runSerialized(fn func()) {
	if sc.lock != nil {
		sc.lock.Lock()
		defer sc.lock.Unlock()
	}
	fn()
}

// AttachMux installs a mux stream endpoint on the connector. For
// stream-owned connectors this allocates the I/O tasklet and links the two
// sides' descriptors together.
func (sc *Connector) AttachMux(se Muxer, conn Conn) {
	sc.sd.AttachMux(se, conn)
	if strm := sc.Strm(); strm != nil {
		if sc.waitEvent.Tasklet == nil {
			sc.waitEvent.Tasklet = NewTasklet(func() { sc.runSerialized(func() { connIOCb(sc) }) })
			sc.waitEvent.Events = 0
		}
		sc.ops = opsConn
		if sco := strm.Opposite(sc); sco != nil {
			XrefCreate(&sc.sd.xref, &sco.sd.xref)
		}
	} else if chk := sc.Chk(); chk != nil {
		if sc.waitEvent.Tasklet == nil {
			sc.waitEvent.Tasklet = NewTasklet(func() { chk.OnWake(sc) })
			sc.waitEvent.Events = 0
		}
		sc.ops = opsCheck
	}
	sc.DLogf("mux endpoint attached (%s)", sc.ops.name())
}

// attachApplet installs an applet context endpoint on the connector.
func (sc *Connector) attachApplet(cx *AppContext) {
	sc.sd.AttachApplet(cx)
	if strm := sc.Strm(); strm != nil {
		sc.ops = opsApplet
		if sco := strm.Opposite(sc); sco != nil {
			XrefCreate(&sc.sd.xref, &sco.sd.xref)
		}
	}
}

// AttachStream hands the connector to a stream app layer, typically after
// NewFromEndpoint created it for an accepted endpoint.
func (sc *Connector) AttachStream(strm Stream) error {
	sc.app = strm
	sc.lock, _ = strm.(sync.Locker)
	sc.sd.bindSc(sc)
	sc.sd.ReportReadActivity()
	switch {
	case sc.EpTest(EpMux):
		if sc.waitEvent.Tasklet == nil {
			sc.waitEvent.Tasklet = NewTasklet(func() { sc.runSerialized(func() { connIOCb(sc) }) })
			sc.waitEvent.Events = 0
		}
		sc.ops = opsConn
	case sc.EpTest(EpApplet):
		sc.ops = opsApplet
	default:
		sc.ops = opsEmbedded
	}
	return nil
}

// detachEndpoint strips the endpoint from the connector. The endpoint side
// is notified and takes ownership of the descriptor (mux case) or is torn
// down (applet case); otherwise the descriptor is recycled to the detached
// state for reuse by this connector. Releases the connector if the app
// layer is gone too.
func (sc *Connector) detachEndpoint() {
	if sc == nil || sc.sd == nil {
		return
	}

	// sever the peer link first so the other side can no longer reach us
	if p := sc.sd.xref.Peer(); p != nil {
		sc.sd.xref.Disconnect(p)
	}

	switch {
	case sc.EpTest(EpMux):
		sd, conn := sc.sd, sc.sd.conn
		if conn.HasMux() {
			if sc.waitEvent.Events != 0 {
				sc.muxer().Unsubscribe(sc, sc.waitEvent.Events, &sc.waitEvent)
			}
			// the mux owns the descriptor from here on
			m := sc.muxer()
			sd.bindSc(nil)
			sc.sd = nil
			sc.DLog("detached from mux endpoint")
			m.Detach(sd)
		} else {
			// no mux was installed yet, close the raw connection
			sc.DLog("closing muxless connection on detach")
			conn.Close()
		}
	case sc.EpTest(EpApplet):
		cx := sc.AppContext()
		sc.sd.bindSc(nil)
		sc.sd = nil
		sc.DLogf("shutting applet %s on detach", cx.app.Name())
		cx.Shut()
	}

	if sc.sd != nil {
		sc.sd.reset()
	}
	sc.flags &= FlBack
	if sc.Strm() != nil {
		sc.ops = opsEmbedded
	} else {
		sc.ops = nil
	}
	sc.maybeFree()
}

// DetachApp strips the app layer from the connector, releasing it if the
// endpoint is gone too.
func (sc *Connector) DetachApp() {
	if sc == nil {
		return
	}
	sc.app = nil
	sc.ops = nil
	sc.src, sc.dst = nil, nil
	sc.waitEvent.Tasklet = nil
	sc.waitEvent.Events = 0
	sc.maybeFree()
}

// Destroy detaches both sides and releases the connector.
func (sc *Connector) Destroy() {
	sc.detachEndpoint()
	sc.DetachApp()
	if !sc.released {
		sc.Panic("stlink: connector still referenced after Destroy")
	}
}

// ResetEndpoint discards the current endpoint and leaves the connector with
// a fresh detached descriptor, ready for a new attach. The replacement is
// allocated before the old endpoint is released so the connector is never
// left without a descriptor. Only valid while an app layer is attached.
func (sc *Connector) ResetEndpoint() {
	if sc.app == nil {
		sc.Panic("stlink: ResetEndpoint without an app layer")
	}
	if sc.sd == nil || sc.sd.se == nil {
		// no endpoint bound, simply recycle in place
		sc.detachEndpoint()
		return
	}
	nsd := NewEndpointDescriptor()
	sc.detachEndpoint()
	sc.sd = nsd
	nsd.bindSc(sc)
}
