package stlink

import "time"

// UpdateRx refreshes the connector's receive-side blocking flags from the
// input channel's state. Called from within the stream handler once the
// channel's flags have settled, before they are cleared. Idempotent.
func (sc *Connector) UpdateRx() {
	ic := sc.ic()

	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return
	}

	// unblock a room-starved connector when the free space suffices; an
	// unspecified need is only cleared by consumer progress
	if sc.roomNeeded.Satisfied(ic.RecvMax()) {
		sc.HaveRoom()
	}

	if ic.Flags()&ChanDontRead != 0 {
		sc.WontRead()
	} else {
		sc.WillRead()
	}

	sc.ChkRcv()
}

// UpdateTx refreshes the connector's send-side state from the output
// channel. Called from within the stream handler. Idempotent.
func (sc *Connector) UpdateTx() {
	oc := sc.oc()

	if sc.flags&FlShutDone != 0 {
		return
	}

	if oc.IsEmpty() {
		// stop writing
		if !sc.EpTest(EpWaitData) && sc.flags&FlShutWanted == 0 {
			sc.EpSet(EpWaitData)
		}
		return
	}

	// (re)start writing
	sc.EpClr(EpWaitData)
}

// earliestTime returns the sooner of a and b, treating zero as no deadline.
func earliestTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// Notify is the counterpart of the in-handler updates for the lower layers:
// endpoints call it (through their process functions) after I/O completion.
// It completes deferred shutdowns, propagates read policy to the opposite
// side, pushes freshly produced data to the consumer, and finally wakes the
// owning task when an event requires app-layer attention, or merely
// refreshes its deadline otherwise.
func (sc *Connector) Notify() {
	ic, oc := sc.ic(), sc.oc()
	sco := sc.Opposite()
	task := sc.mustStrm().Task()

	// process the consumer side: complete a deferred shutdown once the
	// output is flushed and any handshake is over
	if oc.IsEmpty() {
		conn := sc.Conn()
		if sc.flags&(FlShutDone|FlShutWanted) == FlShutWanted &&
			sc.state == StateEstablished &&
			(conn == nil || !conn.InHandshake()) {
			sc.Shutdown()
		}
	}

	// maintain the endpoint's appetite for data: hungry unless a
	// shutdown is pending or done
	if sc.flags&(FlShutDone|FlShutWanted) == 0 {
		sc.EpSet(EpWaitData)
	} else if sc.flags&(FlShutDone|FlShutWanted) == FlShutWanted {
		sc.EpClr(EpWaitData)
	}

	if oc.Flags()&ChanDontRead != 0 {
		sco.WontRead()
	} else {
		sco.WillRead()
	}

	// notify the other side when data was injected into the input
	// channel and the consumer can take it. We hold back while more data
	// is expected shortly and there's still room, so that nearly-full
	// writes coalesce. The room-starved state is only cleared once the
	// consumer actually freed something, not merely when room exists,
	// because producers are often forced to stop before the buffer is
	// full.
	if !ic.IsEmpty() && sco.EpTest(EpWaitData) &&
		(sc.flags&FlSndExpMore == 0 || ic.InFull() || ic.InData() == 0) {
		lastLen := ic.OutData()
		sco.ChkSnd()
		newLen := ic.OutData()

		if sc.roomNeeded == RoomUnblock ||
			(newLen < lastLen && sc.roomNeeded.SatisfiedAfterProgress(ic.RecvMax())) {
			sc.HaveRoom()
		}
	}

	if ic.Flags()&ChanDontRead == 0 {
		sc.WillRead()
	}

	sc.ChkRcv()
	sco.ChkRcv()

	// wake the task only when needed: errors, read events that the app
	// layer must see (shutdowns, end of input, data that won't
	// fast-forward, consumer not established), or write events that
	// matter (pre-established states, completed shutdown, end of write
	// with nothing left to forward)
	if (ic.Flags()&ChanReadEvent != 0 &&
		(sc.flags&FlEOI != 0 || sc.flags&(FlEOS|FlAbortDone) != 0 ||
			ic.ToForward() == 0 || sco.state != StateEstablished)) ||
		sc.flags&FlError != 0 ||
		sc.EpTest(EpErrPending) ||
		(oc.Flags()&ChanWriteEvent != 0 &&
			(sc.state < StateEstablished ||
				sc.flags&FlShutDone != 0 ||
				((oc.Flags()&ChanWakeWrite != 0 ||
					(oc.Flags()&ChanAutoClose == 0 &&
						sc.flags&(FlShutWanted|FlShutDone) == 0)) &&
					(sco.state != StateEstablished ||
						(oc.IsEmpty() && oc.ToForward() == 0))))) {
		task.Wakeup(WakeIO)
	} else {
		// nothing urgent, just refresh the task's deadline
		exp := earliestTime(sc.RcvExpire(), sc.SndExpire())
		exp = earliestTime(exp, sco.RcvExpire())
		exp = earliestTime(exp, sco.SndExpire())
		task.UpdateExpire(exp)
	}

	if ic.Flags()&ChanReadEvent != 0 {
		sc.flags &^= FlRcvOnce
	}
}
