package applets

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	socks5 "github.com/armon/go-socks5"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/prep/socketpair"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/streamlink/pkg/stlink"
)

// Socks serves the SOCKS5 protocol on each stream it is attached to. The
// protocol engine runs over a socketpair so it sees an ordinary net.Conn;
// the applet pumps bytes between its end of the pair and the stream.
type Socks struct {
	logger.Logger
	srv *socks5.Server
}

// NewSocks creates a Socks applet with a default SOCKS5 server.
func NewSocks(lg logger.Logger) (*Socks, error) {
	socksConfig := &socks5.Config{}
	srv, err := socks5.New(socksConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create socks5 server: %s", err)
	}
	return &Socks{
		Logger: lg.ForkLogStr("socks"),
		srv:    srv,
	}, nil
}

// Name identifies the applet in logs.
func (s *Socks) Name() string { return "socks" }

type socksState struct {
	cx     *stlink.AppContext
	conn   net.Conn
	mu     sync.Mutex
	txCond *sync.Cond
	rx     []byte
	rxEOF  bool
	rxErr  error
	tx     []byte
	txErr  error
	shutW  bool
	closed bool
}

// Init builds the socketpair, hands one end to the SOCKS5 server and
// starts the pump goroutines for the other.
func (s *Socks) Init(cx *stlink.AppContext) error {
	local, remote, err := socketpair.New("unix")
	if err != nil {
		return fmt.Errorf("unable to create socketpair: %s", err)
	}
	st := &socksState{cx: cx, conn: local}
	st.txCond = sync.NewCond(&st.mu)
	cx.SvcCtx = st

	go func() {
		if err := s.srv.ServeConn(remote); err != nil {
			s.DLogf("socks5 session ended: %s", err)
		}
	}()
	go st.rxLoop()
	go st.txLoop()
	return nil
}

// Release tears down the socketpair and unblocks the pumps.
func (s *Socks) Release(cx *stlink.AppContext) {
	st, _ := cx.SvcCtx.(*socksState)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.closed = true
	st.tx = nil
	st.txCond.Broadcast()
	st.mu.Unlock()
	st.conn.Close()
}

// Service moves buffered socket bytes into the stream, stream output into
// the write pump, and reports stream-visible completion.
func (s *Socks) Service(cx *stlink.AppContext) {
	st := cx.SvcCtx.(*socksState)

	st.mu.Lock()
	if len(st.rx) > 0 {
		cx.HaveMoreData()
	}
	for len(st.rx) > 0 {
		n := cx.Send(st.rx)
		if n == 0 {
			break
		}
		st.rx = st.rx[n:]
	}
	if len(st.rx) == 0 {
		st.rx = nil
	}
	rxDrained := st.rx == nil
	rxEOF, rxErr := st.rxEOF, st.rxErr
	txFailed := st.txErr != nil
	st.mu.Unlock()

	buf := pool.Get(4096)
	for {
		n := cx.Recv(buf)
		if n == 0 {
			break
		}
		if txFailed {
			continue
		}
		st.mu.Lock()
		st.tx = append(st.tx, buf[:n]...)
		st.txCond.Signal()
		st.mu.Unlock()
	}
	pool.Put(buf)

	if cx.OutputClosed() && cx.PendingOutput() == 0 {
		st.mu.Lock()
		if !st.shutW {
			st.shutW = true
			st.txCond.Signal()
		}
		st.mu.Unlock()
	}

	if rxDrained {
		cx.HaveNoMoreData()
		if rxErr != nil {
			cx.SetError()
		} else if rxEOF {
			cx.SetEOI()
			cx.SetEOS()
		}
	}
}

// rxLoop reads from the socketpair and buffers for the stream.
func (st *socksState) rxLoop() {
	buf := pool.Get(8192)
	defer pool.Put(buf)
	for {
		n, err := st.conn.Read(buf)
		st.mu.Lock()
		if n > 0 {
			st.rx = append(st.rx, buf[:n]...)
		}
		if err != nil {
			if isEOF(err) {
				st.rxEOF = true
			} else {
				st.rxErr = err
			}
			st.mu.Unlock()
			st.cx.Wakeup()
			return
		}
		st.mu.Unlock()
		st.cx.Wakeup()
	}
}

// txLoop writes buffered stream output to the socketpair, half-closing it
// once the stream side is done.
func (st *socksState) txLoop() {
	for {
		st.mu.Lock()
		for len(st.tx) == 0 && !st.closed && !st.shutW {
			st.txCond.Wait()
		}
		if st.closed {
			st.mu.Unlock()
			return
		}
		if len(st.tx) == 0 {
			st.mu.Unlock()
			if cw, ok := st.conn.(interface{ CloseWrite() error }); ok {
				cw.CloseWrite()
			}
			return
		}
		chunk := st.tx
		st.tx = nil
		st.mu.Unlock()
		if _, err := st.conn.Write(chunk); err != nil {
			st.mu.Lock()
			st.txErr = err
			st.mu.Unlock()
			st.cx.Wakeup()
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
