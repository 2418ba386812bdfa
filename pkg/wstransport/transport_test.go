package wstransport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return lg
}

// startEchoServer brings up an upgrade server whose handler copies every
// byte straight back, and returns its ws:// URL.
func startEchoServer(t *testing.T) string {
	t.Helper()
	lg := testLogger(t)

	s := NewServer(lg, ServerConfig{ListenAddr: "127.0.0.1:0"}, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.StartShutdown(nil)
		s.WaitShutdown()
	})
	return "ws://" + s.Addr().String()
}

func TestDialOnceEcho(t *testing.T) {
	url := startEchoServer(t)
	lg := testLogger(t)

	d := NewDialer(lg, DialerConfig{URL: url})
	conn, err := d.DialOnce(context.Background())
	if err != nil {
		t.Fatalf("DialOnce: %v", err)
	}
	defer conn.Close()

	payload := bytes.Repeat([]byte("ws echo "), 512)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("echoed payload differs")
	}
}

func TestDialRetriesUntilServerUp(t *testing.T) {
	lg := testLogger(t)

	// reserve an address, then release it so the first attempts fail
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewServer(lg, ServerConfig{ListenAddr: addr}, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})
	go func() {
		time.Sleep(300 * time.Millisecond)
		if err := s.Start(); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()
	t.Cleanup(func() {
		s.StartShutdown(nil)
		s.WaitShutdown()
	})

	d := NewDialer(lg, DialerConfig{
		URL:              "ws://" + addr,
		MaxRetryInterval: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialGivesUpAfterMaxRetries(t *testing.T) {
	lg := testLogger(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := NewDialer(lg, DialerConfig{
		URL:              "ws://" + addr,
		MaxRetryCount:    2,
		MaxRetryInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx); err == nil {
		t.Fatal("Dial must give up after the retry limit")
	}
}
