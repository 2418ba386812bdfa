package stlink

import "strings"

// State is the life-cycle state of a Connector. Most states only exist on
// the backend side, between the moment a server is solicited and the moment
// the connection is established. StateInit, StateEstablished and StateClosed
// are the only rest states; everything else is transient.
type State uint8

const (
	// StateInit means the connector has not been solicited yet.
	StateInit State = iota

	// StateRequest means connection/applet initiation is desired but not
	// started yet (transient).
	StateRequest

	// StateQueue means the connector is waiting in a resource queue.
	StateQueue

	// StateTurnaround is the delay after a failed connect attempt.
	StateTurnaround

	// StateAssigned means a resource was just assigned to this connector.
	StateAssigned

	// StateConnect means a connection attempt is in flight.
	StateConnect

	// StateConnError means the previous connection attempt just failed and
	// the resource was released (transient).
	StateConnError

	// StateReady means I/O success was proven during StateConnect
	// (transient, about to become StateEstablished).
	StateReady

	// StateEstablished is the normal operating state.
	StateEstablished

	// StateDisconnected means this side was disconnected from the other
	// one, but cleanup is still pending (transient).
	StateDisconnected

	// StateClosed means the connector is closed and its buffers are shut;
	// logically the object may not exist anymore.
	StateClosed
)

var stateNames = [...]string{
	"INI", "REQ", "QUE", "TAR", "ASS", "CON", "CER", "RDY", "EST", "DIS", "CLO",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "???"
	}
	return stateNames[s]
}

// StateSet is a bitmask of States, for testing membership in state groups.
type StateSet uint16

const (
	stsConnecting StateSet = 1<<StateConnect | 1<<StateConnError | 1<<StateQueue | 1<<StateTurnaround
	stsConRdyEst  StateSet = 1<<StateConnect | 1<<StateReady | 1<<StateEstablished
	stsRdyEst     StateSet = 1<<StateReady | 1<<StateEstablished
	stsEstDisClo  StateSet = 1<<StateEstablished | 1<<StateDisconnected | 1<<StateClosed
)

// In reports whether s belongs to the given state set.
func (s State) In(set StateSet) bool {
	return set&(1<<s) != 0
}

// EndpointFlags describe the shared state carried by an EndpointDescriptor.
// The type bits (EpMux/EpApplet) are mutually exclusive; everything else may
// combine freely. Flags below EpNotFirst describe the descriptor's binding
// state; the rest are split between bits reported by the endpoint for the
// app layer and bits set by the app layer for the endpoint.
type EndpointFlags uint32

const (
	// EpMux: the endpoint is a mux stream.
	EpMux EndpointFlags = 1 << iota
	// EpApplet: the endpoint is an applet.
	EpApplet
	// EpDetached: no endpoint is currently bound (only a connector
	// references this descriptor, which allocated it as a placeholder).
	EpDetached
	// EpOrphan: no connector is currently bound (the endpoint still is).
	EpOrphan

	// EpNotFirst: this connector is not the first one bound to the endpoint.
	EpNotFirst
	// EpEOI: end of input reached (logical end of message, more bytes may
	// never come even though the connection stays open).
	EpEOI
	// EpEOS: end of stream was delivered to the data layer.
	EpEOS
	// EpError: a fatal error was reported. Terminal until destruction.
	EpError
	// EpErrPending: an error is pending but there is still data to read.
	EpErrPending
	// EpRcvMore: the endpoint may have more bytes to transfer.
	EpRcvMore
	// EpWantRoom: more bytes to transfer, but not enough room for them.
	EpWantRoom
	// EpExpNoData: no data is expected by the endpoint.
	EpExpNoData

	// EpWaitForHS: the endpoint is still mid-handshake.
	EpWaitForHS
	// EpKillConn: the connection must be killed when the connector closes.
	EpKillConn
	// EpWaitData: the endpoint cannot work without more data from the
	// stream's output.
	EpWaitData
	// EpWontConsume: the endpoint will not consume more data.
	EpWontConsume
	// EpHaveNoData: the endpoint has no more data to deliver to the stream.
	EpHaveNoData
	// EpNeedConn: the applet is waiting for the other side to (fail to)
	// connect.
	EpNeedConn
)

var epFlagNames = []struct {
	f    EndpointFlags
	name string
}{
	{EpMux, "MUX"}, {EpApplet, "APPLET"}, {EpDetached, "DETACHED"},
	{EpOrphan, "ORPHAN"}, {EpNotFirst, "NOT_FIRST"}, {EpEOI, "EOI"},
	{EpEOS, "EOS"}, {EpError, "ERROR"}, {EpErrPending, "ERR_PENDING"},
	{EpRcvMore, "RCV_MORE"}, {EpWantRoom, "WANT_ROOM"},
	{EpExpNoData, "EXP_NO_DATA"}, {EpWaitForHS, "WAIT_FOR_HS"},
	{EpKillConn, "KILL_CONN"}, {EpWaitData, "WAIT_DATA"},
	{EpWontConsume, "WONT_CONSUME"}, {EpHaveNoData, "HAVE_NO_DATA"},
	{EpNeedConn, "NEED_CONN"},
}

func (f EndpointFlags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, e := range epFlagNames {
		if f&e.f != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Flags describe the per-connector state. The read-shutdown axis
// (FlAbortWanted/FlAbortDone together with FlEOS) and the write-shutdown
// axis (FlShutWanted/FlShutDone) are independent; each progresses from
// "wanted" to "done" and, once done, is only ever cleared by a full
// endpoint reset. FlEOS and FlAbortDone are deliberately distinct: EOS
// reflects a data-plane observation made by the endpoint while AbortDone
// reflects a control decision taken by the app layer.
//
// Once FlEOS or FlAbortDone is set, the producer must never again alter the
// input buffer contents; the consumer is then free to shut down once it has
// consumed the remainder, and if it does not, this layer eventually does.
type Flags uint32

const (
	// FlBack marks the backend-side connector of a stream.
	FlBack Flags = 1 << iota
	// FlEOI: end of input was reached, no more data will come from the
	// endpoint.
	FlEOI
	// FlEOS: end of stream was reached (reported from the endpoint up).
	FlEOS
	// FlError: a fatal error was reported.
	FlError

	// FlNoLinger: may close without lingering. One-shot.
	FlNoLinger
	// FlNoHalf: no half-close; a completed read shutdown is forwarded to
	// the write side as soon as the input channel drains.
	FlNoHalf
	// FlDontWake: resync in progress, don't wake the owning task. Used to
	// avoid redundant self-wakeups during synchronous call chains.
	FlDontWake
	// FlIndepStream: independent streams, don't refresh the read timeout
	// on writes.
	FlIndepStream

	// FlWontRead: the connector doesn't want to read more data.
	FlWontRead
	// FlNeedBuff: waiting for an rx buffer allocation to complete.
	FlNeedBuff
	// FlNeedRoom: more room is needed in the rx buffer to store incoming
	// data; the amount is tracked by the connector's RoomNeed.
	FlNeedRoom

	// FlRcvOnce: don't loop to receive more data; cleared after a
	// successful receive.
	FlRcvOnce
	// FlSndASAP: don't wait before sending; cleared once all data is sent.
	FlSndASAP
	// FlSndNeverWait: never wait before sending (permanent).
	FlSndNeverWait
	// FlSndExpMore: more data is expected to be sent very soon; cleared
	// once all data is sent.
	FlSndExpMore

	// FlAbortWanted: an abort was requested and must be performed ASAP.
	FlAbortWanted
	// FlShutWanted: a shutdown was requested and must be performed ASAP.
	FlShutWanted
	// FlAbortDone: the abort was performed; the read side is closed.
	FlAbortDone
	// FlShutDone: the shutdown was performed; the write side is closed.
	FlShutDone
)

var scFlagNames = []struct {
	f    Flags
	name string
}{
	{FlBack, "ISBACK"}, {FlEOI, "EOI"}, {FlEOS, "EOS"}, {FlError, "ERROR"},
	{FlNoLinger, "NOLINGER"}, {FlNoHalf, "NOHALF"}, {FlDontWake, "DONT_WAKE"},
	{FlIndepStream, "INDEP_STR"}, {FlWontRead, "WONT_READ"},
	{FlNeedBuff, "NEED_BUFF"}, {FlNeedRoom, "NEED_ROOM"},
	{FlRcvOnce, "RCV_ONCE"}, {FlSndASAP, "SND_ASAP"},
	{FlSndNeverWait, "SND_NEVERWAIT"}, {FlSndExpMore, "SND_EXP_MORE"},
	{FlAbortWanted, "ABRT_WANTED"}, {FlShutWanted, "SHUT_WANTED"},
	{FlAbortDone, "ABRT_DONE"}, {FlShutDone, "SHUT_DONE"},
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, e := range scFlagNames {
		if f&e.f != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// ShutState is the tri-state progression of one shutdown axis.
type ShutState uint8

const (
	// ShutOpen: the direction is fully open.
	ShutOpen ShutState = iota
	// ShutWanted: a shutdown was requested but not performed yet.
	ShutWanted
	// ShutDone: the shutdown was performed; the direction is closed.
	ShutDone
)

func (s ShutState) String() string {
	switch s {
	case ShutOpen:
		return "open"
	case ShutWanted:
		return "wanted"
	default:
		return "done"
	}
}

// RoomNeed expresses how much free receive space a connector is waiting for
// before it can be unblocked. The zero value is RoomUnblock.
//
// The original tri-state overloaded a signed integer; the three cases are
// kept distinct here so that "waiting for an unknown amount" can never be
// confused with "unblock unconditionally".
type RoomNeed int

const (
	// RoomUnspecified means the connector is waiting for room but not for
	// a specific amount; only consumer progress unblocks it.
	RoomUnspecified RoomNeed = -1
	// RoomUnblock means the connector must be unblocked as soon as
	// possible, regardless of available space.
	RoomUnblock RoomNeed = 0
)

// RoomAtLeast returns a RoomNeed requiring at least n free bytes. n must be
// strictly positive.
func RoomAtLeast(n int) RoomNeed {
	if n <= 0 {
		panic("stlink: RoomAtLeast requires a strictly positive amount")
	}
	return RoomNeed(n)
}

// Satisfied reports whether avail free bytes are enough to unblock the
// connector on their own. RoomUnspecified is never satisfied by capacity
// alone.
func (r RoomNeed) Satisfied(avail int) bool {
	switch {
	case r == RoomUnblock:
		return true
	case r > 0:
		return avail >= int(r)
	default:
		return false
	}
}

// SatisfiedAfterProgress reports whether the connector may be unblocked
// knowing the consumer just made progress. Unlike Satisfied, an unspecified
// need is satisfied by any progress.
func (r RoomNeed) SatisfiedAfterProgress(avail int) bool {
	if r == RoomUnspecified {
		return true
	}
	return r.Satisfied(avail)
}

// WakeReason qualifies a task wakeup request.
type WakeReason uint8

const (
	// WakeIO: an I/O event happened.
	WakeIO WakeReason = iota
	// WakeMsg: a state message (e.g. handshake completion) happened.
	WakeMsg
)
