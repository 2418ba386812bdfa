package sshmux

import (
	"io"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/sammck-go/logger"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/streamlink/pkg/stlink"
)

// A Stream is one multiplexed byte stream, implementing stlink.Muxer for
// its connector. The ssh channel underneath only offers blocking reads and
// writes, so each stream runs a receive pump and a transmit pump; the
// endpoint methods merely move bytes between the stream's bounded internal
// buffers and the stlink channel, never blocking.
type Stream struct {
	logger.Logger

	sess *Session
	ch   ssh.Channel
	sd   *stlink.EndpointDescriptor

	mu     sync.Mutex
	rxCond *sync.Cond // signalled when rx room frees up
	txCond *sync.Cond // signalled when tx work arrives

	rxbuf  []byte
	rxEOF  bool
	rxErr  bool
	txbuf  []byte
	txErr  bool
	txShut bool
	closed bool

	recvWE *stlink.WaitEvent
	sendWE *stlink.WaitEvent
}

var _ stlink.Muxer = (*Stream)(nil)

func (s *Session) newStream(ch ssh.Channel) *Stream {
	st := &Stream{
		Logger: s.ForkLogStr("stream"),
		sess:   s,
		ch:     ch,
	}
	st.rxCond = sync.NewCond(&st.mu)
	st.txCond = sync.NewCond(&st.mu)
	return st
}

// start launches the pumps once the descriptor is bound.
func (st *Stream) start() {
	go st.rxLoop()
	go st.txLoop()
}

// rxLoop reads from the ssh channel into the bounded receive buffer,
// reporting availability and end conditions to the descriptor.
func (st *Stream) rxLoop() {
	limit := st.sess.cfg.bufLimit()
	buf := pool.Get(8 * 1024)
	defer pool.Put(buf)

	for {
		n, err := st.ch.Read(buf)

		st.mu.Lock()
		if n > 0 {
			for len(st.rxbuf)+n > limit && !st.closed {
				st.rxCond.Wait()
			}
			if st.closed {
				st.mu.Unlock()
				return
			}
			st.rxbuf = append(st.rxbuf, buf[:n]...)
			st.sd.Set(stlink.EpRcvMore)
			st.wakeLocked(stlink.SubRetryRecv)
		}
		if err != nil {
			if err == io.EOF {
				st.rxEOF = true
			} else if !st.closed {
				st.DLogf("stream read failed: %s", err)
				st.rxErr = true
			}
			st.reportRxEndLocked()
			st.wakeLocked(stlink.SubRetryRecv)
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()
	}
}

// reportRxEndLocked promotes a drained end condition to the descriptor.
// While data remains buffered only the pending forms are reported, so the
// connector can consume the remainder first.
func (st *Stream) reportRxEndLocked() {
	if len(st.rxbuf) > 0 {
		if st.rxErr {
			st.sd.Set(stlink.EpErrPending)
		}
		return
	}
	switch {
	case st.rxErr:
		st.sd.Set(stlink.EpError)
	case st.rxEOF:
		st.sd.Set(stlink.EpEOI | stlink.EpEOS)
	}
}

// txLoop drains the transmit buffer into the ssh channel and performs the
// deferred write close and final close once the buffer ends. A clean close
// with data still buffered is flushed here rather than dropped.
func (st *Stream) txLoop() {
	for {
		st.mu.Lock()
		for len(st.txbuf) == 0 && !st.txShut && !st.closed {
			st.txCond.Wait()
		}
		if len(st.txbuf) > 0 {
			chunk := st.txbuf
			st.txbuf = nil
			st.mu.Unlock()

			if _, err := st.ch.Write(chunk); err != nil {
				st.mu.Lock()
				if !st.closed {
					st.DLogf("stream write failed: %s", err)
					st.txErr = true
					st.sd.Set(stlink.EpError)
				}
				closed := st.closed
				st.wakeLocked(stlink.SubRetrySend)
				st.mu.Unlock()
				if closed {
					st.ch.Close()
				}
				return
			}

			st.mu.Lock()
			// room freed, let a blocked sender continue
			st.wakeLocked(stlink.SubRetrySend)
			st.mu.Unlock()
			continue
		}
		// drained; apply whatever end condition is pending
		shut, closed := st.txShut, st.closed
		st.mu.Unlock()
		if closed {
			st.ch.Close()
			return
		}
		if shut {
			st.ch.CloseWrite()
			return
		}
	}
}

// wakeLocked fires and disarms the subscription for ev, if present.
func (st *Stream) wakeLocked(ev stlink.EventMask) {
	var we *stlink.WaitEvent
	switch ev {
	case stlink.SubRetryRecv:
		we, st.recvWE = st.recvWE, nil
	case stlink.SubRetrySend:
		we, st.sendWE = st.sendWE, nil
	}
	if we != nil && we.Events&ev != 0 {
		we.Events &^= ev
		we.Tasklet.Wakeup()
	}
}

// RcvBuf moves buffered receive data into ch, honoring the room the
// channel has. Leftover data keeps EpRcvMore set; a partial transfer into a
// full channel raises EpWantRoom.
func (st *Stream) RcvBuf(sc *stlink.Connector, ch stlink.Channel, max int, flags stlink.RcvFlags) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	if max > len(st.rxbuf) {
		max = len(st.rxbuf)
	}
	n := 0
	if max > 0 {
		n = ch.PutIn(st.rxbuf[:max])
		if n > 0 {
			st.rxbuf = st.rxbuf[n:]
			st.rxCond.Signal()
		}
	}

	if len(st.rxbuf) == 0 {
		st.rxbuf = nil
		st.sd.Clr(stlink.EpRcvMore)
	} else {
		st.sd.Set(stlink.EpRcvMore)
		if ch.RecvMax() == 0 && !ch.IsEmpty() {
			st.sd.Set(stlink.EpWantRoom)
		}
	}
	st.reportRxEndLocked()
	return n
}

// SndBuf copies bytes from ch's leading output run into the transmit
// buffer, bounded by count and by the buffer's room. The caller advances
// the channel by the returned amount; a run left behind by a wraparound or
// a full buffer comes back through the retry subscription.
func (st *Stream) SndBuf(sc *stlink.Connector, ch stlink.Channel, count int, flags stlink.SndFlags) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.txShut || st.txErr || st.closed {
		return 0
	}

	view := ch.OutView()
	n := len(view)
	if n > count {
		n = count
	}
	if room := st.sess.cfg.bufLimit() - len(st.txbuf); n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	st.txbuf = append(st.txbuf, view[:n]...)
	st.txCond.Signal()
	return n
}

// Subscribe arms we for events. An event that is already ready fires
// immediately instead of being armed.
func (st *Stream) Subscribe(sc *stlink.Connector, events stlink.EventMask, we *stlink.WaitEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()

	we.Events |= events
	if events&stlink.SubRetryRecv != 0 {
		st.recvWE = we
		if len(st.rxbuf) > 0 || st.rxEOF || st.rxErr {
			st.wakeLocked(stlink.SubRetryRecv)
		}
	}
	if events&stlink.SubRetrySend != 0 {
		st.sendWE = we
		if len(st.txbuf) < st.sess.cfg.bufLimit() {
			st.wakeLocked(stlink.SubRetrySend)
		}
	}
}

// Unsubscribe disarms events previously subscribed.
func (st *Stream) Unsubscribe(sc *stlink.Connector, events stlink.EventMask, we *stlink.WaitEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()

	we.Events &^= events
	if events&stlink.SubRetryRecv != 0 && st.recvWE == we {
		st.recvWE = nil
	}
	if events&stlink.SubRetrySend != 0 && st.sendWE == we {
		st.sendWE = nil
	}
}

// ShutWrite closes the write direction. ShutNormal flushes the transmit
// buffer first; ShutSilent drops it.
func (st *Stream) ShutWrite(sc *stlink.Connector, mode stlink.ShutMode) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.txShut || st.closed {
		return
	}
	if mode == stlink.ShutSilent {
		st.txbuf = nil
	}
	st.txShut = true
	st.txCond.Signal()
}

// Close shuts both directions at the transport level.
func (st *Stream) Close(sc *stlink.Connector) {
	st.closeStream()
}

func (st *Stream) closeStream() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	flushing := len(st.txbuf) > 0 && !st.txErr
	st.rxCond.Broadcast()
	st.txCond.Broadcast()
	st.mu.Unlock()
	if flushing {
		// the transmit pump finishes the flush and closes the channel
		return
	}
	st.ch.Close()
}

// Detach receives ownership of the orphaned descriptor from a departing
// connector: the stream closes and frees it.
func (st *Stream) Detach(sd *stlink.EndpointDescriptor) {
	st.closeStream()
	st.mu.Lock()
	st.recvWE = nil
	st.sendWE = nil
	st.mu.Unlock()
	sd.Free()
	st.DLog("stream detached")
}
