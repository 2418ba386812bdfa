package stlink

import "testing"

func TestNewFromStreamStartsDetached(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.back
	if !sc.IsBack() {
		t.Fatal("stream-first connector must be the backend side")
	}
	if sc.State() != StateInit {
		t.Fatalf("state = %s, want INI", sc.State())
	}
	if !sc.EpTest(EpDetached) {
		t.Fatal("stream-first connector must start with a detached descriptor")
	}
	if sc.Opposite() != s.front {
		t.Fatal("Opposite() must return the other side")
	}
}

func TestNewFromEndpointRejectsBoundDescriptor(t *testing.T) {
	s := newTestStream(t, 64)
	sd := s.front.Descriptor() // already bound to front
	defer func() {
		if recover() == nil {
			t.Fatal("NewFromEndpoint on a bound descriptor did not panic")
		}
	}()
	NewFromEndpoint(testLogger(t), sd, s)
}

func TestNewFromEndpointMarksReuse(t *testing.T) {
	s := newTestStream(t, 64)
	if !s.front.EpTest(EpNotFirst) {
		t.Fatal("endpoint-first attach must flag the descriptor as reused")
	}
	if s.front.EpTest(EpOrphan) {
		t.Fatal("descriptor must no longer be orphaned once bound")
	}
}

func TestResetEndpointKeepsConnectorAlive(t *testing.T) {
	s := newTestStream(t, 64)
	mux, conn := newTestMux(), &testConn{hasMux: true}
	s.back.AttachMux(mux, conn)
	old := s.back.Descriptor()

	s.back.SetState(StateEstablished)
	s.back.SetFlags(FlEOS | FlShutDone)
	s.back.ResetEndpoint()

	if s.back.Released() {
		t.Fatal("connector must survive an endpoint reset")
	}
	sd := s.back.Descriptor()
	if sd == nil || sd == old {
		t.Fatal("reset must install a fresh descriptor")
	}
	if !sd.Test(EpDetached) || sd.Test(EpOrphan) {
		t.Fatalf("reset descriptor flags = %s, want detached and bound", sd.Flags())
	}
	if mux.detachedSd != old {
		t.Fatal("old endpoint was not handed back to its mux")
	}
	if f := s.back.Flags(); f&FlBack == 0 || f&(FlEOS|FlShutDone) != 0 {
		t.Fatalf("reset must clear everything but the side bit, got %s", f)
	}
}

func TestArmHalfCloseTimeout(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetIOTimeout(10)
	sc.ArmHalfCloseTimeout()
	if sc.IOTimeout() != 10 {
		t.Fatal("without a half-close timeout the I/O timeout must stand")
	}
	sc.SetHalfCloseTimeout(3)
	sc.ArmHalfCloseTimeout()
	if sc.IOTimeout() != 3 {
		t.Fatal("the half-close timeout must replace the I/O timeout")
	}
}

func TestCondForwardShut(t *testing.T) {
	// no completed read shutdown: nothing to forward
	s := newTestStream(t, 64)
	sc := s.front
	if condForwardShut(sc) {
		t.Fatal("open read side must not forward a close")
	}

	// read closed but half-closes allowed: stay half-open
	sc.SetFlags(FlEOS)
	if condForwardShut(sc) {
		t.Fatal("half-closes allowed, close must not be forwarded")
	}

	// read closed, half-closes disallowed, input empty: forward now
	sc.SetFlags(FlNoHalf)
	if !condForwardShut(sc) {
		t.Fatal("close must be forwarded when half-closes are disallowed")
	}

	// pending input defers the close instead
	s.req.forceOut([]byte("tail"))
	if condForwardShut(sc) {
		t.Fatal("close must wait for pending data to flush")
	}
	if sc.WriteShutState() != ShutWanted {
		t.Fatal("deferred close must be scheduled on the write side")
	}

	// a write timeout overrides everything
	s2 := newTestStream(t, 64)
	s2.req.SetFlags(ChanWriteTimeout)
	if !condForwardShut(s2.front) {
		t.Fatal("write timeout must always forward the close")
	}
}

func TestEmbeddedShutdownGraceWindow(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)

	sc.Shutdown()

	if sc.Flags()&FlShutDone == 0 {
		t.Fatal("shutdown must complete the write side")
	}
	if sc.State() != StateEstablished {
		t.Fatal("an established side must stay half-open after a clean shutdown")
	}
	if sc.ReadShutState() != ShutOpen {
		t.Fatal("read side must stay open during the grace window")
	}
	if s.res.Flags()&ChanWriteEvent == 0 {
		t.Fatal("shutdown must report a write event")
	}
}

func TestEmbeddedShutdownNoLingerClosesBothWays(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.back
	sc.SetState(StateEstablished)
	sc.SetFlags(FlNoLinger)

	sc.Shutdown()

	if sc.State() != StateDisconnected {
		t.Fatalf("state = %s, want DIS", sc.State())
	}
	if sc.Flags()&FlAbortDone == 0 {
		t.Fatal("an unclean shutdown must take the read side down too")
	}
	if sc.Flags()&FlNoLinger != 0 {
		t.Fatal("nolinger is one-shot and must be consumed")
	}
	if s.connExpireResets != 1 {
		t.Fatal("a backend-side close must clear the connect timer")
	}
	if s.task.wakeCount() == 0 {
		t.Fatal("the task must learn about the close")
	}
}

func TestEmbeddedAbortAfterShutdownDisconnects(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)

	sc.Shutdown() // half-open
	sc.Abort()

	if sc.State() != StateDisconnected {
		t.Fatalf("state = %s, want DIS after both directions closed", sc.State())
	}
	if s.req.Flags()&ChanReadEvent == 0 {
		t.Fatal("abort must report a read event on the input channel")
	}
}

func TestEmbeddedAbortForwardsWithNoHalf(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlNoHalf)

	sc.Abort()

	if sc.WriteShutState() != ShutDone {
		t.Fatal("an abort with half-closes disallowed must close the write side")
	}
	if sc.State() != StateDisconnected {
		t.Fatalf("state = %s, want DIS", sc.State())
	}
}

func TestEmbeddedChkSndReleasesWaitData(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.EpSet(EpWaitData)
	s.res.forceOut([]byte("x"))

	sc.ChkSnd()

	if sc.EpTest(EpWaitData) {
		t.Fatal("pending data must clear the endpoint's hunger")
	}
	if s.task.wakeCount() == 0 {
		t.Fatal("the task must be woken to push the data")
	}
}

func TestTaskWakeSuppressedDuringResync(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlDontWake | FlNoLinger)

	sc.Shutdown()

	if s.task.wakeCount() != 0 {
		t.Fatal("wakes must be suppressed while the task itself is driving")
	}
}

func TestEmbeddedRepeatedSideClosesAreNoOps(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)

	sc.Shutdown()
	sc.Abort()
	flags, state := sc.Flags(), sc.State()
	wakes := s.task.wakeCount()

	sc.Shutdown()
	sc.Abort()

	if sc.Flags() != flags {
		t.Errorf("flags changed on a repeated close: %s, want %s", sc.Flags(), flags)
	}
	if sc.State() != state {
		t.Errorf("state changed on a repeated close: %s, want %s", sc.State(), state)
	}
	if s.task.wakeCount() != wakes {
		t.Error("a repeated close must not wake the task again")
	}
}

func TestConnRepeatedSideClosesAreNoOps(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.back
	mux, conn := newTestMux(), &testConn{hasMux: true}
	sc.AttachMux(mux, conn)
	sc.SetState(StateEstablished)

	sc.Shutdown()
	sc.Abort()
	flags, state := sc.Flags(), sc.State()
	wakes := s.task.wakeCount()
	shuts, closes := len(mux.shutModes), mux.closeCalls

	sc.Shutdown()
	sc.Abort()

	if sc.Flags() != flags {
		t.Errorf("flags changed on a repeated close: %s, want %s", sc.Flags(), flags)
	}
	if sc.State() != state {
		t.Errorf("state changed on a repeated close: %s, want %s", sc.State(), state)
	}
	if s.task.wakeCount() != wakes {
		t.Error("a repeated close must not wake the task again")
	}
	if len(mux.shutModes) != shuts || mux.closeCalls != closes {
		t.Error("the transport must not see a second shutdown or close")
	}
}

func TestAppletRepeatedSideClosesAreNoOps(t *testing.T) {
	s, cx, app := appletStream(t)
	sc := s.back
	sc.SetState(StateEstablished)

	sc.Shutdown()
	waitAppletShut(t, cx)
	sc.Abort()
	flags, state := sc.Flags(), sc.State()
	releases := app.releases

	sc.Shutdown()
	sc.Abort()

	if sc.Flags() != flags {
		t.Errorf("flags changed on a repeated close: %s, want %s", sc.Flags(), flags)
	}
	if sc.State() != state {
		t.Errorf("state changed on a repeated close: %s, want %s", sc.State(), state)
	}
	if app.releases != releases {
		t.Errorf("releases = %d after a repeated close, want %d", app.releases, releases)
	}
}
