package stlink

import (
	"sync/atomic"
	"time"
)

// EventMask identifies the I/O directions a connector may subscribe to on
// its endpoint.
type EventMask uint8

const (
	// SubRetryRecv: wake the subscriber when receiving becomes possible
	// again.
	SubRetryRecv EventMask = 1 << iota
	// SubRetrySend: wake the subscriber when sending becomes possible
	// again.
	SubRetrySend
)

// ShutMode selects how a write shutdown is propagated to the transport.
type ShutMode uint8

const (
	// ShutNormal flushes pending data and closes cleanly.
	ShutNormal ShutMode = iota
	// ShutSilent drops pending data and closes abruptly, without
	// lingering.
	ShutSilent
)

// RcvFlags qualify a receive request passed to a Muxer.
type RcvFlags uint8

const (
	// RcvBufWet: the destination channel already holds output data that
	// the consumer has not drained yet.
	RcvBufWet RcvFlags = 1 << iota
	// RcvBufNotStuck: undelivered output data is known to be in transit,
	// so an apparently full buffer is not a stall.
	RcvBufNotStuck
)

// SndFlags qualify a send request passed to a Muxer.
type SndFlags uint8

const (
	// SndMsgMore: more data will follow shortly; the transport may delay
	// flushing to coalesce writes.
	SndMsgMore SndFlags = 1 << iota
)

// A Muxer is the transport-side endpoint of a connector: one logical stream
// of a multiplexed connection. All methods are non-blocking; when an
// operation cannot progress the muxer returns 0 and the connector subscribes
// for a retry event.
type Muxer interface {
	// RcvBuf transfers at most max bytes from the muxer into ch and
	// returns the number of bytes moved. The muxer updates the
	// descriptor's EpRcvMore/EpWantRoom/EpEOI/EpEOS/EpError bits to
	// describe what remains.
	RcvBuf(sc *Connector, ch Channel, max int, flags RcvFlags) int

	// SndBuf transfers at most count bytes from ch's output view into the
	// muxer and returns the number of bytes consumed. The caller, not the
	// muxer, advances the channel by that amount.
	SndBuf(sc *Connector, ch Channel, count int, flags SndFlags) int

	// Subscribe arms we for the given events. The muxer will wake the
	// wait event's tasklet when one of them becomes possible again.
	Subscribe(sc *Connector, events EventMask, we *WaitEvent)

	// Unsubscribe disarms previously subscribed events.
	Unsubscribe(sc *Connector, events EventMask, we *WaitEvent)

	// ShutWrite closes the write direction of the stream.
	ShutWrite(sc *Connector, mode ShutMode)

	// Close shuts both directions of the stream at the transport level.
	Close(sc *Connector)

	// Detach tells the muxer its connector is gone. The descriptor is
	// orphaned at that point and its ownership transfers to the muxer,
	// which must eventually free it.
	Detach(sd *EndpointDescriptor)
}

// A Conn is the connection a mux stream runs on. The connector layer only
// needs a few probes from it; everything else stays behind the muxer.
type Conn interface {
	// HasMux reports whether a muxer was installed on the connection.
	// Before that point a detaching connector closes the connection
	// directly.
	HasMux() bool

	// Failed reports whether a fatal connection-level error occurred.
	Failed() bool

	// InHandshake reports whether the connection is still waiting for a
	// transport or protocol handshake to complete.
	InHandshake() bool

	// Close performs a full, immediate close of the raw connection.
	Close()
}

// A Task is the stream-level processing entity a connector reports events
// to. Wakeup requests may be issued from any goroutine and must coalesce.
type Task interface {
	Wakeup(reason WakeReason)

	// UpdateExpire lowers the task's wakeup deadline to t if it is
	// earlier than the current one. A zero time means no deadline.
	UpdateExpire(t time.Time)
}

// A Stream is the app-layer owner of a pair of connectors. The connector
// layer uses it to locate its channels, its peer and the owning task.
//
// A Stream that touches its channels from its own goroutine additionally
// implements sync.Locker; the connector layer then takes that lock around
// every tasklet-driven callback, so endpoint I/O and the stream's own
// processing never overlap.
type Stream interface {
	Task() Task

	// InChannel returns the channel sc produces into (its read side).
	InChannel(sc *Connector) Channel

	// OutChannel returns the channel sc consumes from (its write side).
	OutChannel(sc *Connector) Channel

	// Opposite returns the connector on the other side of the stream.
	Opposite(sc *Connector) *Connector

	// ResetConnExpire clears the stream's connect/queue timer after a
	// backend-side close.
	ResetConnExpire()
}

// A Check is a health-check app layer. It owns a single connector and only
// consumes wake notifications.
type Check interface {
	Task() Task

	// OnWake lets the check react to endpoint activity on its connector.
	OnWake(sc *Connector)
}

// A Tasklet is a lightweight run-to-completion callback used for I/O
// events. Wakeups collapse: any number of concurrent Wakeup calls while the
// tasklet is scheduled or running result in at most one additional run.
type Tasklet struct {
	state atomic.Int32 // 0 idle, 1 scheduled, 2 running, 3 running+rearmed
	fn    func()
}

// NewTasklet returns a tasklet running fn on each wakeup.
func NewTasklet(fn func()) *Tasklet {
	return &Tasklet{fn: fn}
}

// Wakeup schedules the tasklet to run. Safe from any goroutine.
func (t *Tasklet) Wakeup() {
	for {
		switch s := t.state.Load(); s {
		case 0:
			if t.state.CompareAndSwap(0, 1) {
				go t.run()
				return
			}
		case 1, 3:
			return
		case 2:
			if t.state.CompareAndSwap(2, 3) {
				return
			}
		}
	}
}

func (t *Tasklet) run() {
	for {
		t.state.Store(2)
		t.fn()
		if t.state.CompareAndSwap(2, 0) {
			return
		}
		// rearmed while running, go again
	}
}

// A WaitEvent ties a connector's tasklet to the endpoint events it is
// subscribed to. Events holds the currently armed subscriptions.
type WaitEvent struct {
	Tasklet *Tasklet
	Events  EventMask
}
