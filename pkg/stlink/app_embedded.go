package stlink

// condForwardShut decides whether a completed read shutdown must be
// propagated to the write side right now. When pending input still has to
// be flushed first, the shutdown is scheduled instead and false is
// returned. A write timeout on the input channel always forwards.
func condForwardShut(sc *Connector) bool {
	if sc.ic().Flags()&ChanWriteTimeout != 0 {
		return true
	}

	if sc.flags&(FlEOS|FlAbortDone) == 0 || sc.flags&FlNoHalf == 0 {
		return false
	}

	if !sc.ic().IsEmpty() {
		// outgoing data must be flushed first, but instruct the
		// output channel it should be done ASAP
		sc.ScheduleShutdown()
		return false
	}

	return true
}

// taskWake wakes the owning stream task unless a resync is in progress.
func (sc *Connector) taskWake(reason WakeReason) {
	if sc.flags&FlDontWake == 0 {
		sc.mustStrm().Task().Wakeup(reason)
	}
}

// resetConnExpire clears the stream's connection timer for backend-side
// connectors once a final state is reached.
func (sc *Connector) resetConnExpire() {
	if sc.flags&FlBack != 0 {
		sc.mustStrm().ResetConnExpire()
	}
}

// scEmbeddedOps is the ops set for connectors without an endpoint, driven
// purely by the owning task.
type scEmbeddedOps struct{}

var opsEmbedded appOps = scEmbeddedOps{}

func (scEmbeddedOps) name() string { return "embedded" }

// abort performs a read shutdown on a detached connector. It either shuts
// the read side or marks the connector closed, and forwards the close to
// the write side when half-closes are disallowed.
func (scEmbeddedOps) abort(sc *Connector) {
	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return
	}

	sc.flags |= FlAbortDone
	sc.ic().SetFlags(ChanReadEvent)

	if !sc.state.In(stsConRdyEst) {
		return
	}

	if sc.flags&FlShutDone != 0 {
		sc.state = StateDisconnected
		sc.resetConnExpire()
	} else if condForwardShut(sc) {
		opsEmbedded.shutdown(sc)
		return
	}

	sc.taskWake(WakeIO)
}

// shutdown performs a write shutdown on a detached connector. In the
// established states the connector stays half-open while unread input may
// remain, unless an error, nolinger or a completed read shutdown makes
// lingering pointless.
func (scEmbeddedOps) shutdown(sc *Connector) {
	ic, oc := sc.ic(), sc.oc()

	sc.flags &^= FlShutWanted
	if sc.flags&FlShutDone != 0 {
		return
	}
	sc.flags |= FlShutDone
	oc.SetFlags(ChanWriteEvent)
	sc.ArmHalfCloseTimeout()

	switch sc.state {
	case StateReady, StateEstablished:
		// shut before closing, otherwise short messages may never
		// leave the system
		if sc.flags&(FlError|FlNoLinger|FlEOS|FlAbortDone) == 0 &&
			ic.Flags()&ChanDontRead == 0 {
			return
		}
		fallthrough
	case StateConnect, StateConnError, StateQueue, StateTurnaround:
		sc.state = StateDisconnected
		fallthrough
	default:
		sc.flags &^= FlNoLinger
		sc.flags |= FlAbortDone
		sc.resetConnExpire()
	}

	sc.taskWake(WakeIO)
}

func (scEmbeddedOps) chkRcv(sc *Connector) {
	// (re)start reading
	sc.taskWake(WakeIO)
}

func (scEmbeddedOps) chkSnd(sc *Connector) {
	if sc.state != StateEstablished || sc.flags&FlShutDone != 0 {
		return
	}

	if !sc.EpTest(EpWaitData) || sc.oc().IsEmpty() {
		return
	}

	// remaining data wants out, tell the handler
	sc.EpClr(EpWaitData)
	sc.taskWake(WakeIO)
}

// wake is never used for detached connectors; activity can only come from
// the owning task itself.
func (scEmbeddedOps) wake(sc *Connector) {}
