package stlink

import (
	"bytes"
	"testing"
	"time"
)

// parrot echoes its stream output back into the stream and completes when
// the write side closes.
type parrot struct {
	inits    int
	releases int
}

func (p *parrot) Name() string { return "parrot" }

func (p *parrot) Init(cx *AppContext) error {
	p.inits++
	return nil
}

func (p *parrot) Release(cx *AppContext) {
	p.releases++
}

func (p *parrot) Service(cx *AppContext) {
	buf := make([]byte, 256)
	for {
		n := cx.Recv(buf)
		if n == 0 {
			break
		}
		cx.Send(buf[:n])
	}
	if cx.PendingOutput() == 0 {
		cx.HaveNoMoreData()
		if cx.OutputClosed() {
			cx.SetEOI()
			cx.SetEOS()
		}
	}
}

func appletStream(t *testing.T) (*testStream, *AppContext, *parrot) {
	s := newTestStream(t, 256)
	app := &parrot{}
	cx, err := s.back.NewAppletContext(testLogger(t), app)
	if err != nil {
		t.Fatalf("NewAppletContext() returned error: %s", err)
	}
	waitTasklet(t, cx.task)
	return s, cx, app
}

func TestAppletLifecycle(t *testing.T) {
	s, cx, app := appletStream(t)
	sc := s.back

	if app.inits != 1 {
		t.Fatal("the applet initializer must run once")
	}
	if sc.State() != StateReady {
		t.Fatalf("state = %s, want RDY", sc.State())
	}
	if !sc.EpTest(EpApplet) || sc.AppContext() != cx {
		t.Fatal("the applet context must be installed as the endpoint")
	}
}

func TestAppletEchoesData(t *testing.T) {
	s, cx, _ := appletStream(t)
	s.back.SetState(StateEstablished)

	data := []byte("ping")
	s.req.forceOut(data)
	cx.Wakeup()
	waitTasklet(t, cx.task)

	if !bytes.Equal(s.res.in, data) {
		t.Fatalf("echoed %q, want %q", s.res.in, data)
	}
	if s.res.Flags()&ChanReadEvent == 0 {
		t.Fatal("applet output must raise a read event")
	}
	if s.req.OutData() != 0 {
		t.Fatal("the applet must have drained its output")
	}
}

func TestAppletSeesShutdownBeforeTeardown(t *testing.T) {
	s, cx, app := appletStream(t)
	sc := s.back
	sc.SetState(StateEstablished)

	sc.Shutdown()
	waitAppletShut(t, cx)

	if app.releases != 1 {
		t.Fatal("the applet releaser must run once")
	}
	if sc.State() != StateDisconnected {
		t.Fatalf("state = %s, want DIS after the applet finished", sc.State())
	}
	if sc.Flags()&FlEOS == 0 {
		t.Fatal("the applet's end of stream must be promoted")
	}
}

func TestAppletShutIsIdempotent(t *testing.T) {
	_, cx, app := appletStream(t)
	cx.Shut()
	cx.Shut()
	if app.releases != 1 {
		t.Fatalf("releases = %d, want 1", app.releases)
	}
	if !cx.IsShut() {
		t.Fatal("context must report itself shut")
	}
}

func TestAppletSendBlocksOnFullChannel(t *testing.T) {
	s := newTestStream(t, 8)
	app := &parrot{}
	cx, err := s.back.NewAppletContext(testLogger(t), app)
	if err != nil {
		t.Fatalf("NewAppletContext() returned error: %s", err)
	}
	waitTasklet(t, cx.task)
	s.back.SetState(StateEstablished)

	s.req.forceOut([]byte("0123456789abcdef"))
	cx.Wakeup()
	waitTasklet(t, cx.task)

	if len(s.res.in) != 8 {
		t.Fatalf("input accepted %d bytes, want the channel capacity", len(s.res.in))
	}
	if !s.back.WaitingRoom() {
		t.Fatal("a short send must leave the applet room-starved")
	}
	if !s.back.EpTest(EpRcvMore) {
		t.Fatal("a short send must mark more data pending on the endpoint")
	}
}

func TestAppletEOIRequiresNoMoreData(t *testing.T) {
	s, _, _ := appletStream(t)
	sc := s.back
	sc.EpSet(EpEOI)
	sc.EpClr(EpHaveNoData)

	defer func() {
		if recover() == nil {
			t.Fatal("contradictory end-of-input report did not panic")
		}
	}()
	appletProcess(sc)
}

func waitAppletShut(t *testing.T, cx *AppContext) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cx.IsShut() {
		if time.Now().After(deadline) {
			t.Fatal("applet was never shut")
		}
		time.Sleep(time.Millisecond)
	}
	waitTasklet(t, cx.task)
}
