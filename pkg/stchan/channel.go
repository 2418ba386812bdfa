// Package stchan provides the buffered channel implementation used between
// a stream's two connectors. A channel is a bounded ring buffer split into
// an input side (bytes produced but not yet scheduled for delivery) and an
// output side (bytes awaiting the consumer), plus the forwarding budget
// that moves bytes from one side to the other without waking the stream.
package stchan

import (
	pool "github.com/libp2p/go-buffer-pool"

	"github.com/sammck-go/streamlink/pkg/stlink"
)

// DefaultBufSize is the channel buffer size used when none is given.
const DefaultBufSize = 16 * 1024

// Channel is the concrete stlink.Channel. Not safe for concurrent use; the
// owning stream serializes all access.
type Channel struct {
	flags stlink.ChanFlags

	buf  []byte
	head int // ring index of the first output byte
	out  int // bytes on the output side
	data int // total bytes buffered (out <= data)

	toForward int
	total     int64
}

var _ stlink.Channel = (*Channel)(nil)

// New returns a channel with a pooled buffer of the given size, or
// DefaultBufSize if size <= 0.
func New(size int) *Channel {
	if size <= 0 {
		size = DefaultBufSize
	}
	return &Channel{buf: pool.Get(size)[:size]}
}

// Release returns the buffer to the pool. The channel must not be used
// afterwards.
func (c *Channel) Release() {
	if c.buf != nil {
		pool.Put(c.buf)
		c.buf = nil
	}
	c.head, c.out, c.data = 0, 0, 0
}

// Size returns the buffer capacity.
func (c *Channel) Size() int { return len(c.buf) }

// Total returns the cumulative number of bytes ever accepted.
func (c *Channel) Total() int64 { return c.total }

func (c *Channel) Flags() stlink.ChanFlags     { return c.flags }
func (c *Channel) SetFlags(f stlink.ChanFlags) { c.flags |= f }
func (c *Channel) ClrFlags(f stlink.ChanFlags) { c.flags &^= f }

func (c *Channel) IsEmpty() bool { return c.data == 0 }
func (c *Channel) OutData() int  { return c.out }
func (c *Channel) InData() int   { return c.data - c.out }
func (c *Channel) InFull() bool  { return c.data >= len(c.buf) }
func (c *Channel) RecvMax() int  { return len(c.buf) - c.data }

func (c *Channel) ToForward() int { return c.toForward }

// SetToForward arms the forwarding budget. stlink.ForwardInfinite forwards
// everything until further notice.
func (c *Channel) SetToForward(n int) { c.toForward = n }

// Forward schedules up to n bytes for delivery: available input bytes move
// to the output side immediately and the remainder is added to the
// forwarding budget. Returns the number of bytes moved now.
func (c *Channel) Forward(n int) int {
	if n == stlink.ForwardInfinite {
		c.toForward = n
		return c.advance(c.InData())
	}
	moved := c.advance(min(n, c.InData()))
	if rest := n - moved; rest > 0 && c.toForward != stlink.ForwardInfinite {
		c.toForward += rest
	}
	return moved
}

// TryForward consumes the forwarding budget for up to n freshly produced
// bytes, bounded by the available input, and returns the number scheduled
// for delivery.
func (c *Channel) TryForward(n int) int {
	fwd := min(n, c.InData())
	if c.toForward != stlink.ForwardInfinite {
		fwd = min(fwd, c.toForward)
		c.toForward -= fwd
	}
	return c.advance(fwd)
}

func (c *Channel) advance(n int) int {
	c.out += n
	return n
}

// PutIn appends up to len(p) bytes to the input side.
func (c *Channel) PutIn(p []byte) int {
	n := min(len(p), c.RecvMax())
	if n == 0 {
		return 0
	}
	tail := (c.head + c.data) % len(c.buf)
	first := copy(c.buf[tail:], p[:n])
	if first < n {
		copy(c.buf, p[first:n])
	}
	c.data += n
	c.total += int64(n)
	return n
}

// OutView returns the leading contiguous run of output bytes.
func (c *Channel) OutView() []byte {
	n := min(c.out, len(c.buf)-c.head)
	return c.buf[c.head : c.head+n]
}

// SkipOut drops n delivered output bytes.
func (c *Channel) SkipOut(n int) {
	if n > c.out {
		panic("stchan: skipping more output than scheduled")
	}
	c.head = (c.head + n) % len(c.buf)
	c.out -= n
	c.data -= n
	if c.data == 0 {
		c.head = 0
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
