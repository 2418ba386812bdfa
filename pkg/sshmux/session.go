// Package sshmux multiplexes independent byte streams over a single
// net.Conn using the ssh wire protocol, and exposes each stream as an
// stlink mux endpoint. The ssh layer provides per-stream flow control,
// framing and optional transport security; sshmux adapts its blocking
// read/write model to the non-blocking endpoint contract with a pair of
// pump goroutines per stream.
package sshmux

import (
	"fmt"
	"net"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/streamlink/pkg/stlink"
)

// streamChannelType is the ssh channel type used for data streams.
const streamChannelType = "stream"

// Config tunes a Session.
type Config struct {
	// KeyPEM is the server's private key in PEM form. Required on the
	// server side; GenerateKey produces one.
	KeyPEM []byte

	// Fingerprint, when set on the client side, pins the expected server
	// key fingerprint.
	Fingerprint string

	// BufLimit bounds each stream's internal receive and transmit
	// buffers. 0 means 64 KiB.
	BufLimit int

	// AcceptBacklog bounds the number of accepted streams not yet picked
	// up by AcceptStream. 0 means 16.
	AcceptBacklog int
}

func (c *Config) bufLimit() int {
	if c.BufLimit <= 0 {
		return 64 * 1024
	}
	return c.BufLimit
}

// A Session is one multiplexed connection: the muxer side of every stream
// running on it. Streams are opened locally with OpenStream and received
// from the peer with AcceptStream.
type Session struct {
	logger.Logger
	*asyncobj.Helper

	cfg      Config
	conn     net.Conn
	sshConn  ssh.Conn
	isServer bool

	probe *connProbe

	mu       sync.Mutex
	failed   bool
	accepted chan *stlink.EndpointDescriptor
}

// NewServerSession runs the server side of the session handshake on conn.
func NewServerSession(lg logger.Logger, conn net.Conn, cfg Config) (*Session, error) {
	private, err := ssh.ParsePrivateKey(cfg.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("sshmux: invalid server key: %v", err)
	}
	sshCfg := &ssh.ServerConfig{NoClientAuth: true}
	sshCfg.AddHostKey(private)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("sshmux: server handshake failed: %v", err)
	}
	return newSession(lg, conn, sshConn, chans, reqs, cfg, true), nil
}

// NewClientSession runs the client side of the session handshake on conn.
func NewClientSession(lg logger.Logger, conn net.Conn, cfg Config) (*Session, error) {
	sshCfg := &ssh.ClientConfig{
		User: "stream",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if cfg.Fingerprint == "" {
				return nil
			}
			got := FingerprintKey(key)
			if got != cfg.Fingerprint {
				return fmt.Errorf("sshmux: server fingerprint mismatch (got %s)", got)
			}
			return nil
		},
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, "", sshCfg)
	if err != nil {
		return nil, fmt.Errorf("sshmux: client handshake failed: %v", err)
	}
	return newSession(lg, conn, sshConn, chans, reqs, cfg, false), nil
}

func newSession(lg logger.Logger, conn net.Conn, sshConn ssh.Conn,
	chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, cfg Config, isServer bool) *Session {

	backlog := cfg.AcceptBacklog
	if backlog <= 0 {
		backlog = 16
	}
	s := &Session{
		cfg:      cfg,
		conn:     conn,
		sshConn:  sshConn,
		isServer: isServer,
		accepted: make(chan *stlink.EndpointDescriptor, backlog),
	}
	side := "client"
	if isServer {
		side = "server"
	}
	s.Logger = lg.ForkLogStr("sshmux-" + side)
	s.Helper = asyncobj.NewHelper(s.Logger, s)
	s.probe = &connProbe{sess: s}

	go ssh.DiscardRequests(reqs)
	go s.acceptLoop(chans)

	s.SetIsActivated()
	return s
}

// acceptLoop turns incoming ssh channels into orphaned endpoint
// descriptors ready for a connector.
func (s *Session) acceptLoop(chans <-chan ssh.NewChannel) {
	for newCh := range chans {
		if newCh.ChannelType() != streamChannelType {
			s.DLogf("rejecting channel of unknown type %q", newCh.ChannelType())
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			s.DLogf("channel accept failed: %s", err)
			continue
		}
		go ssh.DiscardRequests(reqs)

		st := s.newStream(ch)
		sd := stlink.NewEndpointDescriptor()
		sd.AttachMux(st, s.probe)
		st.sd = sd
		st.start()

		select {
		case s.accepted <- sd:
		default:
			s.DLog("accept backlog full, dropping stream")
			st.Detach(sd)
		}
	}
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	close(s.accepted)
}

// AcceptStream returns the next peer-opened stream as an orphaned endpoint
// descriptor, blocking until one arrives or the session dies.
func (s *Session) AcceptStream() (*stlink.EndpointDescriptor, error) {
	sd, ok := <-s.accepted
	if !ok {
		return nil, fmt.Errorf("sshmux: session closed")
	}
	return sd, nil
}

// OpenStream opens a new stream to the peer and attaches it to sc as its
// mux endpoint.
func (s *Session) OpenStream(sc *stlink.Connector) (*Stream, error) {
	ch, reqs, err := s.sshConn.OpenChannel(streamChannelType, nil)
	if err != nil {
		return nil, fmt.Errorf("sshmux: open stream failed: %v", err)
	}
	go ssh.DiscardRequests(reqs)

	st := s.newStream(ch)
	sc.AttachMux(st, s.probe)
	st.sd = sc.Descriptor()
	st.start()
	return st, nil
}

// Failed reports whether the session hit a fatal error or closed.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// HandleOnceShutdown tears the session down.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	s.sshConn.Close()
	s.conn.Close()
	return completionErr
}

// connProbe is the stlink.Conn view of a session: the mux is installed as
// soon as the session exists, and the ssh handshake completed before then.
type connProbe struct {
	sess *Session
}

var _ stlink.Conn = (*connProbe)(nil)

func (p *connProbe) HasMux() bool      { return true }
func (p *connProbe) Failed() bool      { return p.sess.Failed() }
func (p *connProbe) InHandshake() bool { return false }
func (p *connProbe) Close()            { p.sess.StartShutdown(fmt.Errorf("connection closed")) }
