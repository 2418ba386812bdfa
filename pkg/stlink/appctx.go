package stlink

import (
	"sync"
	"sync/atomic"

	"github.com/sammck-go/logger"
)

// An Applet is an in-process endpoint: a service implemented next to the
// stream instead of behind a connection. Service is invoked from the
// applet's own tasklet whenever there may be work to do; it must not block
// and communicates with the stream exclusively through its AppContext.
//
// Applets needing setup or teardown additionally implement AppletIniter or
// AppletReleaser.
type Applet interface {
	Name() string
	Service(cx *AppContext)
}

// AppletIniter is implemented by applets that need setup before their
// first Service call.
type AppletIniter interface {
	Init(cx *AppContext) error
}

// AppletReleaser is implemented by applets that need teardown when their
// context is shut.
type AppletReleaser interface {
	Release(cx *AppContext)
}

// An AppContext is the per-stream instance of an applet: the applet-shaped
// endpoint bound to an EndpointDescriptor. It owns the tasklet the applet
// runs on and survives until shut by whichever side goes down last.
type AppContext struct {
	logger.Logger

	app  Applet
	sd   *EndpointDescriptor
	lock sync.Locker // owning stream's lock when it has one
	task *Tasklet
	shut atomic.Bool

	// SvcCtx is free for the applet's own per-stream state.
	SvcCtx any
}

// newAppContext builds a context for app on sd and runs the applet's Init
// when it has one.
func newAppContext(lg logger.Logger, app Applet, sd *EndpointDescriptor, lock sync.Locker) (*AppContext, error) {
	cx := &AppContext{
		Logger: lg.ForkLogStr("applet-" + app.Name()),
		app:    app,
		sd:     sd,
		lock:   lock,
	}
	cx.task = NewTasklet(cx.run)
	if ini, ok := app.(AppletIniter); ok {
		if err := ini.Init(cx); err != nil {
			return nil, err
		}
	}
	return cx, nil
}

// run is the tasklet body: one applet pass followed by the endpoint-side
// completion handling, serialized against the owning stream's processing.
func (cx *AppContext) run() {
	if cx.lock != nil {
		cx.lock.Lock()
		defer cx.lock.Unlock()
	}
	if cx.shut.Load() || cx.sd.Sc() == nil {
		return
	}
	cx.app.Service(cx)
	if sc := cx.sd.Sc(); sc != nil {
		appletProcess(sc)
	}
}

// Applet returns the applet this context instantiates.
func (cx *AppContext) Applet() Applet { return cx.app }

// Descriptor returns the endpoint descriptor the context is bound to.
func (cx *AppContext) Descriptor() *EndpointDescriptor { return cx.sd }

// Sc returns the bound connector, nil once orphaned.
func (cx *AppContext) Sc() *Connector { return cx.sd.Sc() }

// Wakeup schedules an applet pass. Safe from any goroutine.
func (cx *AppContext) Wakeup() { cx.task.Wakeup() }

// Shut tears the applet down. Idempotent; later wakeups become no-ops. The
// caller still owning the descriptor (connector or none) keeps it; a shut
// orphaned context frees it.
func (cx *AppContext) Shut() {
	if !cx.shut.CompareAndSwap(false, true) {
		return
	}
	if rel, ok := cx.app.(AppletReleaser); ok {
		rel.Release(cx)
	}
	cx.DLog("applet shut")
	if cx.sd.Test(EpOrphan) {
		cx.sd.Free()
	}
}

// IsShut reports whether the context was torn down.
func (cx *AppContext) IsShut() bool { return cx.shut.Load() }

// HaveMoreData tells the stream the applet has data to deliver again.
func (cx *AppContext) HaveMoreData() { cx.sd.Clr(EpHaveNoData) }

// HaveNoMoreData tells the stream the applet has nothing to deliver.
func (cx *AppContext) HaveNoMoreData() { cx.sd.Set(EpHaveNoData) }

// NeedMoreData tells the stream the applet cannot work without more output
// data from it.
func (cx *AppContext) NeedMoreData() { cx.sd.Set(EpWaitData) }

// WontConsume tells the stream the applet will not consume more data.
func (cx *AppContext) WontConsume() { cx.sd.Set(EpWontConsume) }

// WillConsume re-enables consumption.
func (cx *AppContext) WillConsume() { cx.sd.Clr(EpWontConsume) }

// SetEOI marks the applet's logical end of input.
func (cx *AppContext) SetEOI() { cx.sd.Set(EpEOI) }

// SetEOS marks the applet's end of stream.
func (cx *AppContext) SetEOS() { cx.sd.Set(EpEOS) }

// SetError reports a fatal applet error.
func (cx *AppContext) SetError() { cx.sd.Set(EpError) }

// Recv drains up to len(p) bytes of the stream's pending output into p and
// returns the number of bytes moved.
func (cx *AppContext) Recv(p []byte) int {
	sc := cx.Sc()
	if sc == nil {
		return 0
	}
	oc := sc.oc()
	total := 0
	for total < len(p) {
		view := oc.OutView()
		if len(view) == 0 {
			break
		}
		n := copy(p[total:], view)
		oc.SkipOut(n)
		total += n
	}
	if total > 0 {
		oc.SetFlags(ChanWriteEvent)
	}
	return total
}

// Send appends up to len(p) bytes to the stream's input channel and
// returns the number accepted. A short write leaves the applet room-starved
// until the stream consumes some of the channel.
func (cx *AppContext) Send(p []byte) int {
	sc := cx.Sc()
	if sc == nil {
		return 0
	}
	ic := sc.ic()
	n := ic.PutIn(p)
	if n > 0 {
		// freshly produced input consumes the forwarding budget at once
		ic.TryForward(n)
		ic.SetFlags(ChanReadEvent)
		cx.sd.ReportReadActivity()
	}
	if n < len(p) {
		cx.sd.Set(EpRcvMore | EpWantRoom)
		sc.NeedRoom(RoomAtLeast(len(p) - n))
	}
	return n
}

// OutputClosed reports whether the stream side shut the direction the
// applet reads from, meaning no more data will ever reach it.
func (cx *AppContext) OutputClosed() bool {
	sc := cx.Sc()
	return sc == nil || sc.Flags()&FlShutDone != 0
}

// PendingOutput returns the number of bytes waiting for the applet to
// consume.
func (cx *AppContext) PendingOutput() int {
	sc := cx.Sc()
	if sc == nil {
		return 0
	}
	return sc.oc().OutData()
}

// NewAppletContext creates an applet endpoint on the connector and starts
// it. The connector moves straight to StateReady; the first applet pass is
// scheduled immediately.
func (sc *Connector) NewAppletContext(lg logger.Logger, app Applet) (*AppContext, error) {
	cx, err := newAppContext(lg, app, sc.sd, sc.lock)
	if err != nil {
		return nil, err
	}
	sc.attachApplet(cx)
	cx.NeedMoreData()
	cx.Wakeup()
	sc.state = StateReady
	sc.DLogf("applet %s created", app.Name())
	return cx, nil
}

// appletEOS propagates an end of stream reported by an applet. If the
// write side is already gone the applet is shut; otherwise the close is
// forwarded now or scheduled.
func appletEOS(sc *Connector) {
	cx := sc.mustAppCtx()
	ic := sc.ic()

	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return
	}
	sc.flags |= FlEOS
	ic.SetFlags(ChanReadEvent)
	sc.sd.ReportReadActivity()

	if !sc.state.In(stsConRdyEst) {
		return
	}

	if sc.flags&FlShutDone != 0 {
		cx.Shut()
		sc.state = StateDisconnected
		sc.resetConnExpire()
	} else if condForwardShut(sc) {
		opsApplet.shutdown(sc)
	}
}

// appletProcess is the completion handler run after each applet pass. It
// promotes endpoint conditions to the connector, updates the stream via
// Notify, and re-wakes the applet when unblocked work remains.
func appletProcess(sc *Connector) {
	cx := sc.mustAppCtx()
	ic := sc.ic()

	// report EOI on the channel if the applet reached it
	if sc.EpTest(EpEOI) && sc.flags&FlEOI == 0 {
		sc.sd.ReportReadActivity()
		sc.flags |= FlEOI
		ic.SetFlags(ChanReadEvent)
	}

	if sc.EpTest(EpError) {
		sc.flags |= FlError
	}

	if sc.EpTest(EpEOS) {
		// we received a shutdown
		appletEOS(sc)
	}

	// an applet reaching end of input must have declared it has no more
	// data, otherwise the two reports contradict each other
	if sc.EpTest(EpEOI) && !sc.EpTest(EpHaveNoData) {
		sc.Panic("stlink: applet reported end of input while claiming more data")
	}

	// the applet wants to write into a closed channel: broken pipe
	if !sc.EpTest(EpHaveNoData) && sc.flags&(FlEOS|FlAbortDone) != 0 {
		sc.EpSet(EpError)
	}

	// an applet blocked by the channel is assumed to still have data
	if sc.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 ||
		sc.EpTest(EpNeedConn) {
		cx.HaveMoreData()
	}

	sc.Notify()

	// Notify may have gone through chkSnd and released blocking flags;
	// if the task isn't about to run, the applet must be rewoken here
	if sc.IsRecvAllowed() || sc.isSendAllowed() {
		cx.Wakeup()
	}
}
