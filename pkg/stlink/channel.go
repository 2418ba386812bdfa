package stlink

import "math"

// ForwardInfinite, used as a Channel's to-forward amount, means all incoming
// data must be forwarded to the output side without waking the stream task.
const ForwardInfinite = math.MaxInt

// ChanFlags carry the per-channel event and policy bits the connector layer
// reads and reports.
type ChanFlags uint32

const (
	// ChanReadEvent: a read event occurred on the channel (data received,
	// read shutdown, ...). Consumed by the stream task.
	ChanReadEvent ChanFlags = 1 << iota
	// ChanWriteEvent: a write event occurred (data sent, write shutdown,
	// connection established, ...). Consumed by the stream task.
	ChanWriteEvent
	// ChanWroteData: data was written to the endpoint at least once since
	// the last task pass.
	ChanWroteData
	// ChanAutoClose: a read shutdown on this channel's producer is
	// automatically forwarded as a write shutdown to its consumer.
	ChanAutoClose
	// ChanDontRead: the consumer side does not want the producer to read
	// more data for now.
	ChanDontRead
	// ChanWriteTimeout: the channel's consumer exceeded its write timeout.
	ChanWriteTimeout
	// ChanWakeWrite: the stream task wants to be woken up on write
	// activity.
	ChanWakeWrite
)

// A Channel is one of the two unidirectional buffers of a stream. The
// producer appends to the input side; once data is scheduled for delivery it
// moves to the output side, where the consumer drains it. The connector
// layer only manipulates channels through this interface; the stream owns
// the implementation.
//
// Channels are not safe for concurrent use; the complete stream (channels,
// connectors, descriptors) is driven from a single goroutine at a time.
type Channel interface {
	Flags() ChanFlags
	SetFlags(f ChanFlags)
	ClrFlags(f ChanFlags)

	// IsEmpty reports whether the channel holds no data at all, input and
	// output sides included.
	IsEmpty() bool

	// OutData returns the number of bytes scheduled for delivery to the
	// consumer.
	OutData() int

	// InData returns the number of bytes received from the producer but
	// not yet scheduled for delivery.
	InData() int

	// InFull reports whether no more input bytes can be accepted.
	InFull() bool

	// RecvMax returns the maximum number of bytes the producer may append
	// right now.
	RecvMax() int

	// ToForward returns the number of input bytes that must be moved to
	// the output side without consulting the stream task. ForwardInfinite
	// means forward everything forever.
	ToForward() int

	// TryForward schedules up to n input bytes for delivery, bounded by
	// both the pending to-forward amount and the available input data,
	// and returns the number of bytes actually forwarded.
	TryForward(n int) int

	// PutIn appends up to len(p) bytes to the input side and returns the
	// number of bytes accepted.
	PutIn(p []byte) int

	// OutView returns a contiguous view of the leading output bytes. The
	// view may be shorter than OutData when the underlying storage wraps;
	// callers must not retain or modify it.
	OutView() []byte

	// SkipOut drops the first n output bytes, which have been delivered
	// to the consumer.
	SkipOut(n int)
}
