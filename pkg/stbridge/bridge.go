// Package stbridge implements the stream layer on top of stlink: a pair of
// connectors joined by two unidirectional channels, driven by a single
// processing goroutine that relays data between the two endpoints until
// both sides close.
package stbridge

import (
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/streamlink/pkg/stchan"
	"github.com/sammck-go/streamlink/pkg/stlink"
)

// Config tunes a Bridge.
type Config struct {
	// BufSize is the per-direction channel buffer size. 0 means
	// stchan.DefaultBufSize.
	BufSize int

	// IOTimeout aborts a side after this long without read activity or
	// with a blocked send. 0 disables I/O timeouts.
	IOTimeout time.Duration

	// HalfCloseTimeout replaces IOTimeout on a side once it is
	// half-closed. 0 keeps IOTimeout.
	HalfCloseTimeout time.Duration
}

// A Bridge is a full-duplex relay between a frontend endpoint and a backend
// endpoint. It owns the two channels and the two connectors, and is the
// stlink.Stream and stlink.Task both connectors report to.
//
// Construction is in two phases: New binds the frontend endpoint, then the
// caller attaches a backend endpoint to Back() (a mux stream via AttachMux,
// or an applet via NewAppletContext) and calls Start.
type Bridge struct {
	logger.Logger
	*asyncobj.Helper

	cfg   Config
	front *stlink.Connector
	back  *stlink.Connector
	req   *stchan.Channel // frontend input, backend output
	res   *stchan.Channel // backend input, frontend output

	mu      sync.Mutex // guards the processing pass
	wakeCh  chan struct{}
	stopCh  chan struct{}
	started bool
}

var (
	_ stlink.Stream = (*Bridge)(nil)
	_ stlink.Task   = (*Bridge)(nil)
	_ sync.Locker   = (*Bridge)(nil)
)

// New creates a bridge whose frontend side is the given orphaned endpoint
// descriptor, as handed out by a mux accepting a new stream.
func New(lg logger.Logger, sd *stlink.EndpointDescriptor, cfg Config) (*Bridge, error) {
	b := &Bridge{
		cfg:    cfg,
		req:    stchan.New(cfg.BufSize),
		res:    stchan.New(cfg.BufSize),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	b.Logger = lg.ForkLogStr("bridge")
	b.Helper = asyncobj.NewHelper(b.Logger, b)

	front, err := stlink.NewFromEndpoint(b.Logger, sd, b)
	if err != nil {
		b.req.Release()
		b.res.Release()
		return nil, err
	}
	b.front = front
	b.back = stlink.NewFromStream(b.Logger, b)

	for _, sc := range []*stlink.Connector{front, b.back} {
		sc.SetIOTimeout(cfg.IOTimeout)
		sc.SetHalfCloseTimeout(cfg.HalfCloseTimeout)
	}
	return b, nil
}

// Lock serializes endpoint callbacks (connector tasklets, applet passes)
// with the bridge's own processing pass.
func (b *Bridge) Lock() { b.mu.Lock() }

// Unlock releases Lock.
func (b *Bridge) Unlock() { b.mu.Unlock() }

// Front returns the frontend-side connector.
func (b *Bridge) Front() *stlink.Connector { return b.front }

// Back returns the backend-side connector.
func (b *Bridge) Back() *stlink.Connector { return b.back }

// Start begins relaying. The backend endpoint must be attached by now.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true

	// everything flows through unseen by the app layer, and a read
	// shutdown on one side closes the other once drained
	for _, ch := range []*stchan.Channel{b.req, b.res} {
		ch.SetToForward(stlink.ForwardInfinite)
		ch.SetFlags(stlink.ChanAutoClose)
	}

	b.front.SetState(stlink.StateEstablished)
	if s := b.back.State(); s == stlink.StateInit || s == stlink.StateReady {
		b.back.SetState(stlink.StateEstablished)
	}
	b.mu.Unlock()

	b.SetIsActivated()
	go b.runLoop()
	b.Wakeup(stlink.WakeIO)
}

// Wakeup requests a processing pass. Safe from any goroutine; concurrent
// requests collapse into one pass.
func (b *Bridge) Wakeup(reason stlink.WakeReason) {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// UpdateExpire is the task deadline hook; the run loop polls expirations
// itself, so only an immediate wake for an already-passed deadline matters.
func (b *Bridge) UpdateExpire(t time.Time) {
	if !t.IsZero() && !t.After(time.Now()) {
		b.Wakeup(stlink.WakeIO)
	}
}

// Task returns the bridge itself.
func (b *Bridge) Task() stlink.Task { return b }

// InChannel returns the channel sc produces into.
func (b *Bridge) InChannel(sc *stlink.Connector) stlink.Channel {
	if sc == b.front {
		return b.req
	}
	return b.res
}

// OutChannel returns the channel sc consumes from.
func (b *Bridge) OutChannel(sc *stlink.Connector) stlink.Channel {
	if sc == b.front {
		return b.res
	}
	return b.req
}

// Opposite returns the other side's connector.
func (b *Bridge) Opposite(sc *stlink.Connector) *stlink.Connector {
	if sc == b.front {
		return b.back
	}
	return b.front
}

// ResetConnExpire is part of stlink.Stream; the bridge has no separate
// connect timer, the run loop's deadline poll covers it.
func (b *Bridge) ResetConnExpire() {}

func (b *Bridge) runLoop() {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.wakeCh:
		case <-tick.C:
		}
		if b.process() {
			return
		}
	}
}

// process is one stream pass: collect timeouts, complete pending
// shutdowns, sync I/O on both sides, refresh blocking state and detect
// termination. Returns true when the stream is finished.
func (b *Bridge) process() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	scs := [2]*stlink.Connector{b.front, b.back}

	// avoid waking ourselves from our own synchronous calls
	for _, sc := range scs {
		sc.SetFlags(stlink.FlDontWake)
	}

	now := time.Now()
	for _, sc := range scs {
		b.checkTimeouts(sc, now)
	}

	for _, sc := range scs {
		if sc.Flags()&stlink.FlAbortWanted != 0 {
			sc.Abort()
		}
	}

	// collect whatever the endpoints already have
	for _, sc := range scs {
		sc.SyncRecv()
	}

	// a closed read side shuts the opposite writer once its input drains
	for _, sc := range scs {
		if sc.Flags()&(stlink.FlEOS|stlink.FlAbortDone) == 0 {
			continue
		}
		ic := b.InChannel(sc)
		sco := b.Opposite(sc)
		if ic.Flags()&stlink.ChanAutoClose != 0 && ic.IsEmpty() &&
			sco.WriteShutState() == stlink.ShutOpen {
			sco.ScheduleShutdown()
		}
	}

	// push pending output, completing deferred shutdowns on the way
	for _, sc := range scs {
		b.syncSendSide(sc)
	}

	for _, sc := range scs {
		sc.UpdateRx()
		sc.UpdateTx()
	}

	done := true
	for _, sc := range scs {
		if sc.State() == stlink.StateDisconnected {
			sc.SetState(stlink.StateClosed)
		}
		if sc.State() != stlink.StateClosed {
			done = false
		}
	}

	for _, sc := range scs {
		sc.ClrFlags(stlink.FlDontWake)
	}
	b.req.ClrFlags(stlink.ChanReadEvent | stlink.ChanWriteEvent | stlink.ChanWroteData)
	b.res.ClrFlags(stlink.ChanReadEvent | stlink.ChanWriteEvent | stlink.ChanWroteData)

	if done {
		b.ILogf("stream finished, %s in, %s out",
			sizestr.ToString(b.req.Total()), sizestr.ToString(b.res.Total()))
		go b.StartShutdown(nil)
		return true
	}
	return false
}

// syncSendSide flushes sc's output channel and completes a wanted write
// shutdown once the output drains.
func (b *Bridge) syncSendSide(sc *stlink.Connector) {
	oc := b.OutChannel(sc)
	if !oc.IsEmpty() {
		if sc.EpTest(stlink.EpApplet) {
			// applets consume on their own tasklet, just wake them
			sc.ChkSnd()
		} else {
			sc.SyncSend()
		}
	}
	if sc.WriteShutState() == stlink.ShutWanted && oc.IsEmpty() {
		sc.Shutdown()
	}
}

// checkTimeouts turns expired I/O deadlines into aborts and shutdowns.
func (b *Bridge) checkTimeouts(sc *stlink.Connector, now time.Time) {
	if exp := sc.RcvExpire(); !exp.IsZero() && now.After(exp) {
		b.DLogf("read timeout on %s side", sideName(sc))
		sc.ScheduleAbort()
	}
	if exp := sc.SndExpire(); !exp.IsZero() && now.After(exp) {
		b.DLogf("write timeout on %s side", sideName(sc))
		// the producing side must learn its consumer is stuck
		b.InChannel(b.Opposite(sc)).SetFlags(stlink.ChanWriteTimeout)
		sc.Shutdown()
		b.Opposite(sc).ScheduleAbort()
	}
}

func sideName(sc *stlink.Connector) string {
	if sc.IsBack() {
		return "backend"
	}
	return "frontend"
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own
// goroutine, when shutdown begins. It tears both sides down and releases
// the channel buffers.
func (b *Bridge) HandleOnceShutdown(completionErr error) error {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range [2]*stlink.Connector{b.front, b.back} {
		if sc != nil && !sc.Released() {
			sc.Destroy()
		}
	}
	b.req.Release()
	b.res.Release()
	return completionErr
}
