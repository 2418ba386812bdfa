package stlink

// mustAppCtx traps when the endpoint is not an applet.
func (sc *Connector) mustAppCtx() *AppContext {
	cx := sc.AppContext()
	if cx == nil {
		sc.Panic("stlink: applet operation on a non-applet endpoint")
	}
	return cx
}

// scAppletOps is the ops set for connectors whose endpoint is an applet.
type scAppletOps struct{}

var opsApplet appOps = scAppletOps{}

func (scAppletOps) name() string { return "applet" }

// abort performs a read shutdown on an applet-attached connector. The
// applet itself is not called on abort; it is only torn down when the write
// side is already gone.
func (scAppletOps) abort(sc *Connector) {
	cx := sc.mustAppCtx()

	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return
	}
	sc.flags |= FlAbortDone
	sc.ic().SetFlags(ChanReadEvent)

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

// shutdown performs a write shutdown on an applet-attached connector. The
// applet is always woken so it can observe the closed output before any
// teardown, and it stays alive while the connector remains half-open.
func (scAppletOps) shutdown(sc *Connector) {
	cx := sc.mustAppCtx()
	ic, oc := sc.ic(), sc.oc()

	sc.flags &^= FlShutWanted
	if sc.flags&FlShutDone != 0 {
		return
	}
	sc.flags |= FlShutDone
	oc.SetFlags(ChanWriteEvent)
	sc.ArmHalfCloseTimeout()

	// on shutw we always wake the applet up
	cx.Wakeup()

	switch sc.state {
	case StateReady, StateEstablished:
		if sc.flags&(FlError|FlNoLinger|FlEOS|FlAbortDone) == 0 &&
			ic.Flags()&ChanDontRead == 0 {
			return
		}
		fallthrough
	case StateConnect, StateConnError, StateQueue, StateTurnaround:
		// none of these states may happen with applets
		cx.Shut()
		sc.state = StateDisconnected
		fallthrough
	default:
		sc.flags &^= FlNoLinger
		sc.flags |= FlAbortDone
		sc.resetConnExpire()
	}
}

// chkRcv restarts reading by waking the applet.
func (scAppletOps) chkRcv(sc *Connector) {
	sc.mustAppCtx().Wakeup()
}

// chkSnd wakes the applet when it was waiting for data it can now consume,
// or when a pending shutdown may now complete.
func (scAppletOps) chkSnd(sc *Connector) {
	cx := sc.mustAppCtx()

	if sc.state != StateEstablished || sc.flags&FlShutDone != 0 {
		return
	}

	if !sc.EpTest(EpWaitData|EpWontConsume) && sc.flags&FlShutWanted == 0 {
		return
	}

	if !sc.oc().IsEmpty() {
		// (re)start sending
		cx.Wakeup()
	}
}

// wake is the endpoint's activity callback, invoked after each applet run.
func (scAppletOps) wake(sc *Connector) {
	appletProcess(sc)
}

// scCheckOps is the ops set for health-check connectors. Checks drive the
// endpoint directly, so only the wake callback does anything.
type scCheckOps struct{}

var opsCheck appOps = scCheckOps{}

func (scCheckOps) name() string { return "check" }

func (scCheckOps) abort(sc *Connector)    {}
func (scCheckOps) shutdown(sc *Connector) {}
func (scCheckOps) chkRcv(sc *Connector)   {}
func (scCheckOps) chkSnd(sc *Connector)   {}

func (scCheckOps) wake(sc *Connector) {
	if chk := sc.Chk(); chk != nil {
		chk.OnWake(sc)
	}
}
