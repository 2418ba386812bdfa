package stlink

// connShutWrite propagates a write shutdown to the mux stream.
func connShutWrite(sc *Connector, mode ShutMode) {
	sc.muxer().ShutWrite(sc, mode)
}

// connShut fully closes the mux stream, both directions at once.
func connShut(sc *Connector) {
	sc.muxer().Close(sc)
}

// scConnOps is the ops set for connectors whose endpoint is a mux stream.
type scConnOps struct{}

var opsConn appOps = scConnOps{}

func (scConnOps) name() string { return "conn" }

// abort performs a read shutdown on a mux-attached connector. It either
// shuts the read side or, when the write side is already gone, closes the
// stream and marks the connector disconnected.
func (scConnOps) abort(sc *Connector) {
	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return
	}
	sc.flags |= FlAbortDone
	sc.ic().SetFlags(ChanReadEvent)

	if !sc.state.In(stsConRdyEst) {
		return
	}

	if sc.flags&FlShutDone != 0 {
		connShut(sc)
		sc.state = StateDisconnected
		sc.resetConnExpire()
	} else if condForwardShut(sc) {
		opsConn.shutdown(sc)
	}
}

// shutdown performs a write shutdown on a mux-attached connector. With
// nolinger the transport closes abruptly; otherwise a clean shutdown is
// emitted and the connector stays half-open while unread input may remain.
func (scConnOps) shutdown(sc *Connector) {
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
		if sc.flags&FlError != 0 {
			// quick close, the transport is already dead anyway
		} else if sc.flags&FlNoLinger != 0 {
			// unclean shutdown, no point signalling the peer
			connShutWrite(sc, ShutSilent)
		} else {
			// clean shutdown, let the transport signal the peer
			connShutWrite(sc, ShutNormal)

			if sc.flags&(FlEOS|FlAbortDone) == 0 &&
				ic.Flags()&ChanDontRead == 0 {
				return
			}
		}
		fallthrough
	case StateConnect:
		// a pending connection may have to be closed
		connShut(sc)
		fallthrough
	case StateConnError, StateQueue, StateTurnaround:
		sc.state = StateDisconnected
		fallthrough
	default:
		sc.flags &^= FlNoLinger
		sc.flags |= FlAbortDone
		sc.resetConnExpire()
	}
}

// chkRcv restarts reading by waking the connector's I/O tasklet. It
// intentionally does not touch timeouts, which are re-examined at wakeup.
func (scConnOps) chkRcv(sc *Connector) {
	if sc.state.In(stsConRdyEst) {
		sc.waitEvent.Tasklet.Wakeup()
	}
}

// chkSnd is called by the producer side to push pending output data into
// the mux right away, and deals with the fallout: errors, completed
// shutdown requests and task notification.
func (scConnOps) chkSnd(sc *Connector) {
	oc := sc.oc()

	if !sc.state.In(stsRdyEst) || sc.flags&FlShutDone != 0 {
		return
	}

	if oc.IsEmpty() { // called with nothing to send
		return
	}

	if !sc.EpTest(EpWaitData) { // not waiting for data
		return
	}

	if sc.waitEvent.Events&SubRetrySend == 0 && !oc.IsEmpty() {
		connSend(sc)
	}

	wake := false
	if sc.EpTest(EpError|EpErrPending) || sc.isConnError() {
		// write error on the endpoint
		sc.flags |= FlError
		wake = true
	} else if oc.IsEmpty() {
		// everything was flushed; maybe the last chunk just left and
		// the close must follow
		if oc.Flags()&ChanAutoClose != 0 &&
			sc.flags&(FlShutDone|FlShutWanted) == FlShutWanted &&
			sc.state.In(stsRdyEst) {
			sc.Shutdown()
			wake = true
		} else if sc.flags&(FlShutDone|FlShutWanted) == 0 {
			sc.EpSet(EpWaitData)
		}
	} else {
		// data remains, we'll be called back once it may leave
		sc.EpClr(EpWaitData)
	}

	// special conditions (error, shutdown, end of write) notify the task
	if !wake {
		wake = sc.flags&FlShutDone != 0 ||
			(oc.Flags()&ChanWriteEvent != 0 && sc.state < StateEstablished) ||
			(oc.Flags()&ChanWakeWrite != 0 &&
				((oc.IsEmpty() && oc.ToForward() == 0) ||
					sc.state != StateEstablished))
	}
	if wake {
		sc.taskWake(WakeIO)
	}
}

// wake is the endpoint's activity callback, invoked by the I/O tasklet.
func (scConnOps) wake(sc *Connector) {
	connProcess(sc)
}
