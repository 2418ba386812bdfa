package stlink

import (
	"testing"
	"time"
)

func TestUpdateRxUnblocksOnRoom(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlDontWake)

	sc.NeedRoom(RoomAtLeast(10))
	sc.UpdateRx()
	if sc.WaitingRoom() {
		t.Fatal("enough free space must unblock an explicit room need")
	}

	sc.NeedRoom(RoomUnspecified)
	sc.UpdateRx()
	if !sc.WaitingRoom() {
		t.Fatal("an unspecified room need must only be cleared by consumer progress")
	}
}

func TestUpdateRxFollowsDontRead(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetFlags(FlDontWake)

	s.req.SetFlags(ChanDontRead)
	sc.UpdateRx()
	if sc.Flags()&FlWontRead == 0 {
		t.Fatal("dont-read on the input channel must stop reads")
	}

	s.req.ClrFlags(ChanDontRead)
	sc.UpdateRx()
	if sc.Flags()&FlWontRead != 0 {
		t.Fatal("clearing dont-read must re-enable reads")
	}
}

func TestUpdateTxTracksAppetite(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front

	sc.UpdateTx()
	if !sc.EpTest(EpWaitData) {
		t.Fatal("an empty output must leave the endpoint waiting for data")
	}

	s.res.forceOut([]byte("x"))
	sc.UpdateTx()
	if sc.EpTest(EpWaitData) {
		t.Fatal("pending output must clear the wait-data state")
	}

	s.res.SkipOut(1)
	sc.ScheduleShutdown()
	sc.EpClr(EpWaitData)
	sc.UpdateTx()
	if sc.EpTest(EpWaitData) {
		t.Fatal("a wanted shutdown must not reopen the appetite for data")
	}
}

func TestNotifyCompletesDeferredShutdown(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlDontWake)
	s.back.SetFlags(FlDontWake)
	sc.ScheduleShutdown()

	sc.Notify()

	if sc.WriteShutState() != ShutDone {
		t.Fatal("a wanted shutdown must complete once the output is drained")
	}
}

func TestNotifyHoldsShutdownWhileOutputPending(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlDontWake)
	s.back.SetFlags(FlDontWake)
	sc.ScheduleShutdown()
	s.res.forceOut([]byte("flush me first"))

	sc.Notify()

	if sc.WriteShutState() != ShutWanted {
		t.Fatal("a deferred shutdown must wait for the output to drain")
	}
	if sc.EpTest(EpWaitData) {
		t.Fatal("a side about to shut must not advertise hunger for data")
	}
}

func TestNotifyPushesToConsumer(t *testing.T) {
	s := newTestStream(t, 64)
	front, back := s.front, s.back
	front.SetState(StateEstablished)
	back.SetState(StateEstablished)
	front.SetFlags(FlDontWake)
	back.SetFlags(FlDontWake)

	// the frontend produced data, the backend consumer is hungry
	s.req.forceOut([]byte("payload"))
	back.EpSet(EpWaitData)

	front.Notify()

	if back.EpTest(EpWaitData) {
		t.Fatal("the hungry consumer must have been told about the data")
	}
}

func TestNotifyWakesOnReadEvent(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	sc.SetFlags(FlDontWake | FlRcvOnce)
	s.back.SetFlags(FlDontWake)
	s.req.SetFlags(ChanReadEvent)

	sc.Notify()

	if s.task.wakeCount() != 1 {
		t.Fatalf("task wakes = %d, want 1", s.task.wakeCount())
	}
	if sc.Flags()&FlRcvOnce != 0 {
		t.Fatal("a read event must consume the read-once request")
	}
}

func TestNotifyDoesNotWakeOnForwardedData(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	s.back.SetState(StateEstablished)
	sc.SetFlags(FlDontWake)
	s.back.SetFlags(FlDontWake)

	// data arrived but everything fast-forwards to an established peer
	s.req.toFwd = ForwardInfinite
	s.req.SetFlags(ChanReadEvent)

	sc.Notify()

	if s.task.wakeCount() != 0 {
		t.Fatal("fully forwarded data must not wake the task")
	}
	if s.task.expireCount() != 1 {
		t.Fatal("a quiet pass must refresh the task deadline instead")
	}
}

func TestNotifyQuietPassRefreshesDeadline(t *testing.T) {
	s := newTestStream(t, 64)
	sc := s.front
	sc.SetState(StateEstablished)
	s.back.SetState(StateEstablished)
	sc.SetFlags(FlDontWake)
	s.back.SetFlags(FlDontWake)
	sc.SetIOTimeout(time.Minute)
	sc.Descriptor().ReportReadActivity()

	sc.Notify()

	if s.task.wakeCount() != 0 {
		t.Fatal("nothing happened, the task must not be woken")
	}
	s.task.mu.Lock()
	exp := s.task.expires[0]
	s.task.mu.Unlock()
	if exp.IsZero() || !exp.After(time.Now()) {
		t.Fatalf("refreshed deadline = %v, want about a minute out", exp)
	}
}
