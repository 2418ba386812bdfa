package stlink

// maxReadPollLoops bounds how many times a single receive pass iterates
// over the mux before letting other work run.
const maxReadPollLoops = 8

// connEOS propagates an end of stream reported by the mux. If the write
// side is already shut, or half-closes are disallowed and the input is
// drained, the stream is fully closed right away.
func connEOS(sc *Connector) {
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

	doClose := false
	if sc.flags&FlShutDone != 0 {
		doClose = true
	} else if condForwardShut(sc) {
		// immediately forward this close to the write side
		connShutWrite(sc, ShutSilent)
		doClose = true
	}
	if !doClose {
		// just a normal read shutdown
		return
	}

	connShut(sc)
	sc.flags &^= FlShutWanted
	sc.flags |= FlShutDone
	sc.state = StateDisconnected
	sc.resetConnExpire()
}

// connRecv iterates over the mux's RcvBuf to move available data into the
// input channel, schedules fast-forwarding, and reports end conditions.
// Returns true when data or an end condition was collected.
func connRecv(sc *Connector) bool {
	conn := sc.Conn()
	ic := sc.ic()
	curRead := 0
	readPoll := maxReadPollLoops

	// if not established yet, do nothing
	if sc.state != StateEstablished {
		return false
	}

	// a previous call failed and we're already subscribed, give up now
	if sc.waitEvent.Events&SubRetryRecv != 0 || sc.WaitingRoom() {
		return false
	}

	// maybe we were called immediately after an asynchronous abort
	if sc.flags&(FlEOS|FlAbortDone) != 0 {
		return true
	}

	// the mux is not installed yet, we must wait
	if !conn.HasMux() {
		return false
	}

	mux := sc.muxer()

	// stop immediately on errors, unless the mux still holds data: a
	// write error may be reported while readable data remains buffered
	if !sc.EpTest(EpRcvMore) {
		if conn.InHandshake() {
			return false
		}
		if sc.EpTest(EpError) {
			return endRecv(sc, mux, curRead)
		}
	}

	// prepare to detect if the mux needs more room
	sc.EpClr(EpWantRoom)

	for sc.EpTest(EpRcvMore) ||
		(!conn.InHandshake() &&
			!sc.EpTest(EpError|EpEOS) && sc.flags&(FlEOS|FlAbortDone) == 0) {
		var flags RcvFlags
		if ic.OutData() > 0 {
			flags |= RcvBufWet | RcvBufNotStuck
		}

		// max may be null; it is the mux responsibility to set
		// EpRcvMore on the descriptor if more space is needed
		max := ic.RecvMax()
		ret := mux.RcvBuf(sc, ic, max, flags)

		if sc.EpTest(EpWantRoom) {
			// a mux must not report it wants room in an empty
			// channel, that would deadlock
			if ic.IsEmpty() {
				sc.Panic("stlink: endpoint wants room in an empty channel")
			}
			sc.NeedRoom(RoomAtLeast(ic.RecvMax() + 1))
			// some data is pending but cannot be moved yet
			ic.SetFlags(ChanReadEvent)
			sc.sd.ReportReadActivity()
		}

		if ret <= 0 {
			break
		}

		curRead += ret

		// when direct forwarding is allowed, schedule freshly read
		// data for the consumer right away
		if ic.ToForward() > 0 {
			if sco := sc.Opposite(); sco != nil &&
				sco.flags&(FlShutDone|FlShutWanted) == 0 {
				ic.TryForward(ret)
			}
		}

		ic.SetFlags(ChanReadEvent)

		// end of input reached, we can leave without blocking the
		// connector on the channel's policies; shutdowns remain
		// receivable
		if sc.EpTest(EpEOI) {
			break
		}

		readPoll--
		if sc.flags&FlRcvOnce != 0 || readPoll <= 0 {
			// we don't expect to read more data
			sc.WontRead()
			break
		}

		// a short read means the endpoint has nothing more buffered,
		// it's pointless to insist right now
		if ret < max {
			sc.WontRead()
			break
		}

		if sc.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 {
			break
		}
	}

	if curRead > 0 {
		sc.sd.ReportReadActivity()
	}

	return endRecv(sc, mux, curRead)
}

// endRecv finishes a receive pass: it promotes endpoint end conditions to
// the connector, and either subscribes for more receive events or reports
// that the endpoint still holds data.
func endRecv(sc *Connector, mux Muxer, curRead int) bool {
	ic := sc.ic()
	ret := curRead != 0

	// report EOI on the channel if the endpoint reached it
	if sc.EpTest(EpEOI) && sc.flags&FlEOI == 0 {
		sc.sd.ReportReadActivity()
		sc.flags |= FlEOI
		ic.SetFlags(ChanReadEvent)
		ret = true
	}

	if sc.EpTest(EpEOS) {
		// we received a shutdown
		if ic.Flags()&ChanAutoClose != 0 {
			if sco := sc.Opposite(); sco != nil {
				sco.ScheduleShutdown()
			}
		}
		connEOS(sc)
		ret = true
	}

	switch {
	case sc.EpTest(EpError):
		sc.flags |= FlError
		ret = true
	case sc.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) == 0 &&
		sc.flags&(FlEOS|FlAbortDone) == 0:
		// blocked on I/O only, subscribe for receive events
		mux.Subscribe(sc, SubRetryRecv, &sc.waitEvent)
		sc.EpSet(EpHaveNoData)
	default:
		sc.EpClr(EpHaveNoData)
		ret = true
	}

	return ret
}

// SyncRecv tries a synchronous receive to collect last arrived data.
// Returns true if new data or a shutdown was collected.
func (sc *Connector) SyncRecv() bool {
	if !sc.state.In(stsRdyEst) {
		return false
	}

	if !sc.EpTest(EpMux) {
		return false // only mux endpoints are supported
	}

	if sc.waitEvent.Events&SubRetryRecv != 0 {
		return false // already subscribed
	}

	if !sc.IsRecvAllowed() {
		return false // already failed
	}

	return connRecv(sc)
}

// connSend pushes pending output data into the mux. Returns true when some
// data was sent or a terminal condition was hit.
func connSend(sc *Connector) bool {
	conn := sc.Conn()
	sco := sc.Opposite()
	oc := sc.oc()
	didSend := false

	if sc.EpTest(EpError|EpErrPending) || sc.isConnError() {
		// the error may already have been handled by the app layer
		// which put us back to a pre-connect state; don't resurrect it
		if sc.state < StateConnect {
			return false
		}
		return true
	}

	// we're already waiting to be able to send, give up
	if sc.waitEvent.Events&SubRetrySend != 0 {
		return false
	}

	// we might have been called just after an asynchronous shutdown
	if sc.flags&FlShutDone != 0 {
		return true
	}

	// the mux is not installed yet, we must wait
	if !conn.HasMux() {
		return false
	}

	mux := sc.muxer()

	if oc.OutData() > 0 {
		// ask the transport to delay flushes when we're about to
		// close after this last chunk (merge the going-away signal
		// with it), or when a finite forward or an announced burst
		// means more data follows shortly
		var sendFlag SndFlags
		if (sc.flags&(FlSndASAP|FlSndNeverWait) == 0 &&
			((oc.ToForward() > 0 && oc.ToForward() != ForwardInfinite) ||
				sc.flags&FlSndExpMore != 0)) ||
			(oc.Flags()&ChanAutoClose != 0 && sc.flags&FlShutWanted != 0) {
			sendFlag |= SndMsgMore
		}

		ret := mux.SndBuf(sc, oc, oc.OutData(), sendFlag)
		if ret > 0 {
			didSend = true
			oc.SkipOut(ret)

			if oc.OutData() == 0 {
				// both flags are one-shot, clear them once
				// everything went out
				sc.flags &^= FlSndASAP | FlSndExpMore
			}
			// if data remains, the outlet is full, we'll retry
			// next time
		}
	}

	if didSend {
		oc.SetFlags(ChanWriteEvent | ChanWroteData)
		if sc.state == StateConnect {
			sc.state = StateReady
		}
	}

	// sending freed room in this side's buffer, which is what the
	// opposite producer may be waiting for
	if sco != nil {
		if sco.roomNeeded == RoomUnblock ||
			(didSend && sco.roomNeeded.SatisfiedAfterProgress(oc.RecvMax())) {
			sco.HaveRoom()
		}
	}

	if sc.EpTest(EpError | EpErrPending) {
		oc.SetFlags(ChanWriteEvent)
		if sc.EpTest(EpError) {
			sc.flags |= FlError
		}
		return true
	}

	if oc.IsEmpty() {
		if didSend {
			sc.sd.ReportSendActivity()
		}
	} else {
		// we couldn't send everything, let the mux know we want more
		mux.Subscribe(sc, SubRetrySend, &sc.waitEvent)
		if sc.state.In(stsEstDisClo) {
			sc.sd.ReportBlockedSend(didSend)
		}
	}

	return didSend
}

// SyncSend performs a synchronous send attempt. The write-event flag is
// cleared beforehand and possibly re-set on success.
func (sc *Connector) SyncSend() {
	oc := sc.oc()

	oc.ClrFlags(ChanWriteEvent)

	if sc.flags&FlShutDone != 0 {
		return
	}

	if oc.IsEmpty() {
		return
	}

	if !sc.state.In(stsConRdyEst) {
		return
	}

	if !sc.EpTest(EpMux) {
		return
	}

	connSend(sc)
}

// connProcess is the endpoint-side completion handler for mux endpoints:
// it flushes pending output, promotes connection-level events to the
// connector, then runs Notify to update the stream.
func connProcess(sc *Connector) {
	conn := sc.Conn()
	ic, oc := sc.ic(), sc.oc()

	// if we have data to send, try it now
	if !oc.IsEmpty() && sc.waitEvent.Events&SubRetrySend == 0 {
		connSend(sc)
	}

	// report errors and connection establishment. Only flag an error if
	// we're connected or connecting: after a failed attempt the app
	// layer may have decided to retry while the connection still caries
	// its stale error.
	if sc.state >= StateConnect && sc.isConnError() {
		sc.flags |= FlError
	}

	// handshake over: release whoever waited for it
	if !conn.InHandshake() && sc.EpTest(EpWaitForHS) {
		sc.EpClr(EpWaitForHS)
		sc.taskWake(WakeMsg)
	}

	if !sc.state.In(stsEstDisClo) && !conn.InHandshake() {
		sc.resetConnExpire()
		oc.SetFlags(ChanWriteEvent)
		if sc.state == StateConnect {
			sc.state = StateReady
		}
	}

	// promote end conditions the recv/send paths may not have seen,
	// since this also runs as the plain wake callback
	if sc.EpTest(EpEOS) && sc.flags&FlEOS == 0 {
		if ic.Flags()&ChanAutoClose != 0 {
			if sco := sc.Opposite(); sco != nil {
				sco.ScheduleShutdown()
			}
		}
		connEOS(sc)
	}

	if sc.EpTest(EpEOI) && sc.flags&FlEOI == 0 {
		sc.flags |= FlEOI
		ic.SetFlags(ChanReadEvent)
		sc.sd.ReportReadActivity()
	}

	if sc.EpTest(EpError) {
		sc.flags |= FlError
	}

	sc.Notify()
}

// connIOCb is the tasklet body for mux-attached connectors. It is always
// safe to wake, the endpoint's presence is re-checked here.
func connIOCb(sc *Connector) {
	if sc.Conn() == nil {
		return
	}

	ret := false
	if sc.waitEvent.Events&SubRetrySend == 0 && !sc.oc().IsEmpty() {
		ret = connSend(sc)
	}
	if sc.waitEvent.Events&SubRetryRecv == 0 {
		if connRecv(sc) {
			ret = true
		}
	}
	if ret {
		connProcess(sc)
	}
}
