package wstransport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
)

// Subprotocol is the websocket subprotocol both ends negotiate.
const Subprotocol = "streamlink"

// DialerConfig configures the websocket dialer.
type DialerConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Headers are sent with the upgrade request.
	Headers http.Header
	// HandshakeTimeout bounds the upgrade handshake. Defaults to 45 seconds.
	HandshakeTimeout time.Duration
	// MaxRetryCount limits reconnect attempts. 0 or negative means
	// unlimited.
	MaxRetryCount int
	// MaxRetryInterval caps the backoff delay. Defaults to 5 minutes.
	MaxRetryInterval time.Duration
}

// Dialer establishes websocket connections with exponential backoff.
type Dialer struct {
	logger.Logger
	cfg DialerConfig
}

// NewDialer creates a Dialer for cfg.
func NewDialer(lg logger.Logger, cfg DialerConfig) *Dialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = -1
	}
	return &Dialer{
		Logger: lg.ForkLogStr("wsdial"),
		cfg:    cfg,
	}
}

// DialOnce makes a single connection attempt.
func (d *Dialer) DialOnce(ctx context.Context) (net.Conn, error) {
	wd := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	ws, _, err := wd.DialContext(ctx, d.cfg.URL, d.cfg.Headers)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// Dial connects to the configured URL, retrying with backoff until it
// succeeds, the retry budget runs out, or ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{Max: d.cfg.MaxRetryInterval}
	for {
		conn, err := d.DialOnce(ctx)
		if err == nil {
			b.Reset()
			d.DLogf("connected to %s", d.cfg.URL)
			return conn, nil
		}
		attempt := int(b.Attempt())
		if d.cfg.MaxRetryCount >= 0 && attempt >= d.cfg.MaxRetryCount {
			return nil, err
		}
		delay := b.Duration()
		d.DLogf("connection error: %s, retrying in %s", err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
