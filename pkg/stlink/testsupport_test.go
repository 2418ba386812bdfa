package stlink

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testChannel is a minimal slice-backed Channel for driving connectors by
// hand. Input and output sides are kept as separate slices.
type testChannel struct {
	flags ChanFlags
	size  int
	in    []byte
	out   []byte
	toFwd int
}

func newTestChannel(size int) *testChannel {
	return &testChannel{size: size}
}

func (c *testChannel) Flags() ChanFlags     { return c.flags }
func (c *testChannel) SetFlags(f ChanFlags) { c.flags |= f }
func (c *testChannel) ClrFlags(f ChanFlags) { c.flags &^= f }

func (c *testChannel) IsEmpty() bool { return len(c.in)+len(c.out) == 0 }
func (c *testChannel) OutData() int  { return len(c.out) }
func (c *testChannel) InData() int   { return len(c.in) }
func (c *testChannel) InFull() bool  { return len(c.in)+len(c.out) >= c.size }
func (c *testChannel) RecvMax() int  { return c.size - len(c.in) - len(c.out) }

func (c *testChannel) ToForward() int { return c.toFwd }

func (c *testChannel) TryForward(n int) int {
	if n > len(c.in) {
		n = len(c.in)
	}
	if c.toFwd != ForwardInfinite {
		if n > c.toFwd {
			n = c.toFwd
		}
		c.toFwd -= n
	}
	c.out = append(c.out, c.in[:n]...)
	c.in = c.in[n:]
	return n
}

func (c *testChannel) PutIn(p []byte) int {
	n := len(p)
	if n > c.RecvMax() {
		n = c.RecvMax()
	}
	c.in = append(c.in, p[:n]...)
	return n
}

func (c *testChannel) OutView() []byte { return c.out }

func (c *testChannel) SkipOut(n int) {
	if n > len(c.out) {
		panic("testChannel: skipping more than scheduled")
	}
	c.out = c.out[n:]
}

// forceOut places p directly on the channel's output side, as if it had
// been produced and forwarded already.
func (c *testChannel) forceOut(p []byte) {
	c.out = append(c.out, p...)
}

// testTask records wakeups and deadline refreshes. Guarded by a mutex so
// tasklet goroutines may report concurrently with test assertions.
type testTask struct {
	mu      sync.Mutex
	wakes   []WakeReason
	expires []time.Time
}

func (tk *testTask) Wakeup(r WakeReason) {
	tk.mu.Lock()
	tk.wakes = append(tk.wakes, r)
	tk.mu.Unlock()
}

func (tk *testTask) UpdateExpire(t time.Time) {
	tk.mu.Lock()
	tk.expires = append(tk.expires, t)
	tk.mu.Unlock()
}

func (tk *testTask) wakeCount() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return len(tk.wakes)
}

func (tk *testTask) expireCount() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return len(tk.expires)
}

// testStream is a two-sided Stream fake with testChannels on both
// directions. The frontend produces into req and the backend into res.
type testStream struct {
	task             *testTask
	front, back      *Connector
	req, res         *testChannel
	connExpireResets int
}

func (s *testStream) Task() Task { return s.task }

func (s *testStream) InChannel(sc *Connector) Channel {
	if sc == s.front {
		return s.req
	}
	return s.res
}

func (s *testStream) OutChannel(sc *Connector) Channel {
	if sc == s.front {
		return s.res
	}
	return s.req
}

func (s *testStream) Opposite(sc *Connector) *Connector {
	if sc == s.front {
		return s.back
	}
	return s.front
}

func (s *testStream) ResetConnExpire() { s.connExpireResets++ }

// newTestStream builds a stream with an endpoint-first frontend connector
// and a stream-first backend connector, both without endpoints.
func newTestStream(t *testing.T, bufSize int) *testStream {
	lg := testLogger(t)
	s := &testStream{
		task: &testTask{},
		req:  newTestChannel(bufSize),
		res:  newTestChannel(bufSize),
	}
	front, err := NewFromEndpoint(lg, NewEndpointDescriptor(), s)
	if err != nil {
		t.Fatalf("NewFromEndpoint() returned error: %s", err)
	}
	s.front = front
	s.back = NewFromStream(lg, s)
	return s
}

// testConn is a scriptable Conn.
type testConn struct {
	hasMux      bool
	failed      bool
	inHandshake bool
	closeCalls  int
}

func (c *testConn) HasMux() bool      { return c.hasMux }
func (c *testConn) Failed() bool      { return c.failed }
func (c *testConn) InHandshake() bool { return c.inHandshake }
func (c *testConn) Close()            { c.closeCalls++ }

// testMux is a scriptable Muxer. RcvBuf serves rcvScript one chunk per
// call, applying endFlags to the descriptor along with the final chunk.
// SndBuf accepts at most sndAccept bytes per call (negative: unlimited).
type testMux struct {
	rcvScript [][]byte
	endFlags  EndpointFlags

	sndAccept    int
	sent         []byte
	sndFlagsSeen []SndFlags

	subscribed   EventMask
	unsubCalls   int
	shutModes    []ShutMode
	closeCalls   int
	detachedSd   *EndpointDescriptor
	detachOrphan bool
}

func newTestMux() *testMux { return &testMux{sndAccept: -1} }

func (m *testMux) RcvBuf(sc *Connector, ch Channel, max int, flags RcvFlags) int {
	if len(m.rcvScript) == 0 {
		if m.endFlags != 0 {
			sc.Descriptor().Set(m.endFlags)
		}
		return 0
	}
	chunk := m.rcvScript[0]
	m.rcvScript = m.rcvScript[1:]
	n := ch.PutIn(chunk)
	if n < len(chunk) {
		m.rcvScript = append([][]byte{chunk[n:]}, m.rcvScript...)
		sc.Descriptor().Set(EpRcvMore | EpWantRoom)
		return n
	}
	if len(m.rcvScript) == 0 && m.endFlags != 0 {
		sc.Descriptor().Set(m.endFlags)
	}
	return n
}

func (m *testMux) SndBuf(sc *Connector, ch Channel, count int, flags SndFlags) int {
	m.sndFlagsSeen = append(m.sndFlagsSeen, flags)
	view := ch.OutView()
	n := count
	if m.sndAccept >= 0 && n > m.sndAccept {
		n = m.sndAccept
	}
	if n > len(view) {
		n = len(view)
	}
	m.sent = append(m.sent, view[:n]...)
	return n
}

func (m *testMux) Subscribe(sc *Connector, events EventMask, we *WaitEvent) {
	we.Events |= events
	m.subscribed |= events
}

func (m *testMux) Unsubscribe(sc *Connector, events EventMask, we *WaitEvent) {
	we.Events &^= events
	m.subscribed &^= events
	m.unsubCalls++
}

func (m *testMux) ShutWrite(sc *Connector, mode ShutMode) {
	m.shutModes = append(m.shutModes, mode)
}

func (m *testMux) Close(sc *Connector) { m.closeCalls++ }

func (m *testMux) Detach(sd *EndpointDescriptor) {
	m.detachedSd = sd
	m.detachOrphan = sd.Sc() == nil && sd.Test(EpOrphan)
	sd.Free()
}

// waitTasklet blocks until tl has gone back to idle.
func waitTasklet(t *testing.T, tl *Tasklet) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tl.state.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("tasklet never went idle")
		}
		time.Sleep(time.Millisecond)
	}
}
