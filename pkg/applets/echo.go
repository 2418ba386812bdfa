// Package applets provides ready-made in-process endpoints: an echo
// service and a SOCKS5 proxy service.
package applets

import (
	pool "github.com/libp2p/go-buffer-pool"

	"github.com/sammck-go/streamlink/pkg/stlink"
)

// Echo reflects everything the stream delivers back into the stream. When
// the stream's write side closes and all data has been echoed, it reports
// end of input and end of stream.
type Echo struct{}

// Name identifies the applet in logs.
func (Echo) Name() string { return "echo" }

type echoState struct {
	pending []byte
}

// Init allocates the per-stream state.
func (Echo) Init(cx *stlink.AppContext) error {
	cx.SvcCtx = &echoState{}
	return nil
}

// Service moves pending output back to the input, carrying over whatever
// the input channel could not take.
func (Echo) Service(cx *stlink.AppContext) {
	st := cx.SvcCtx.(*echoState)

	if len(st.pending) > 0 {
		n := cx.Send(st.pending)
		st.pending = st.pending[n:]
		if len(st.pending) > 0 {
			return
		}
		st.pending = nil
	}

	buf := pool.Get(4096)
	defer pool.Put(buf)
	for {
		n := cx.Recv(buf)
		if n == 0 {
			break
		}
		sent := cx.Send(buf[:n])
		if sent < n {
			st.pending = append(st.pending, buf[sent:n]...)
			return
		}
	}

	// nothing left to reflect; without this an idle echo would be woken
	// in loops
	if cx.PendingOutput() == 0 {
		cx.HaveNoMoreData()
		if cx.OutputClosed() {
			cx.SetEOI()
			cx.SetEOS()
		}
	}
}
