package wstransport

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{Subprotocol},
}

// ConnHandler receives each upgraded websocket connection as a net.Conn.
// It runs on its own goroutine and owns the connection.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ServerConfig configures the upgrade server.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. ":8443".
	ListenAddr string
	// LogRequests enables HTTP request logging.
	LogRequests bool
}

// Server accepts websocket upgrade requests and hands the adapted
// connections to a ConnHandler.
type Server struct {
	logger.Logger
	*asyncobj.Helper
	cfg     ServerConfig
	handler ConnHandler
	hs      *http.Server
	mu      sync.Mutex
	ln      net.Listener
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates a Server that will invoke handler for each upgraded
// connection once started.
func NewServer(lg logger.Logger, cfg ServerConfig, handler ConnHandler) *Server {
	s := &Server{
		Logger:  lg.ForkLogStr("wsserver"),
		cfg:     cfg,
		handler: handler,
	}
	s.Helper = asyncobj.NewHelper(s.Logger, s)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	var h http.Handler = http.HandlerFunc(s.handleUpgrade)
	if cfg.LogRequests {
		h = requestlog.Wrap(h)
	}
	s.hs = &http.Server{Handler: h}
	return s
}

// Start begins listening and serving upgrade requests.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return s.Errorf("listen on %s failed: %s", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.SetIsActivated()
	s.ILogf("listening on %s", ln.Addr())
	go func() {
		err := s.hs.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.StartShutdown(err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	s.DLogf("connection from %s", r.RemoteAddr)
	go s.handler(s.ctx, NewWSConn(ws))
}

// HandleOnceShutdown stops the HTTP server and cancels handler contexts.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.cancel()
	err := s.hs.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
