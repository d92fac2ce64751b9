package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/config"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/resourceguard"
	"github.com/adred-codev/xtbconn/internal/session"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// dataBroker answers every request with a successful login-shaped reply,
// standing in for the broker's data endpoint.
func dataBroker(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					c.Write([]byte(`{"status":true,"streamSessionId":"ssid-x"}`))
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// streamBroker silently drains whatever is sent to it; subscribe and ping
// envelopes on the stream endpoint are fire-and-forget.
func streamBroker(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestManager(t *testing.T, maxConnections int) *Manager {
	t.Helper()
	dataPort := dataBroker(t)
	streamPort := streamBroker(t)

	dataTF := func() *transport.Transport {
		return transport.New(transport.Config{
			Host: "127.0.0.1", Port: dataPort, SendInterval: time.Millisecond,
			MaxConnectionFails: 1, ReactionTimeout: time.Second,
		}, zerolog.Nop(), monitoring.NewMetrics(nil))
	}
	streamTF := func() *transport.Transport {
		return transport.New(transport.Config{
			Host: "127.0.0.1", Port: streamPort, SendInterval: time.Millisecond,
			MaxConnectionFails: 1, ReactionTimeout: time.Second,
		}, zerolog.Nop(), monitoring.NewMetrics(nil))
	}

	guard := resourceguard.New(resourceguard.DefaultThresholds, zerolog.Nop())

	return New(Config{
		Connection: config.ConnectionConfig{
			SendInterval:       200 * time.Millisecond,
			MaxConnections:     maxConnections,
			MaxConnectionFails: 1,
			MaxSendData:        1024,
			MaxReceiveData:     4096,
			MaxReactionTime:    time.Second,
		},
		Credentials:            session.Credentials{UserID: "u", Password: "p"},
		Mode:                   session.ModeDemo,
		DataTransportFactory:   dataTF,
		StreamTransportFactory: streamTF,
		Logger:                 zerolog.Nop(),
		Metrics:                monitoring.NewMetrics(nil),
		Guard:                  guard,
	})
}

func TestProvideSessionReusesActiveSession(t *testing.T) {
	m := newTestManager(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1, err := m.ProvideSession(ctx)
	if err != nil {
		t.Fatalf("first ProvideSession: %v", err)
	}
	s2, err := m.ProvideSession(ctx)
	if err != nil {
		t.Fatalf("second ProvideSession: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected ProvideSession to reuse the existing active session")
	}
}

func TestProvideStreamSessionFailsWhenAtConnectionCap(t *testing.T) {
	m := newTestManager(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.ProvideSession(ctx); err != nil {
		t.Fatalf("ProvideSession: %v", err)
	}

	_, err := m.ProvideStreamSession(ctx)
	if err == nil {
		t.Fatal("expected CapacityExhausted when already at max connections")
	}
	if _, ok := err.(*xtberrors.CapacityExhausted); !ok {
		t.Fatalf("expected CapacityExhausted, got %T: %v", err, err)
	}
}

func TestProvideStreamSessionReusesUnderSubscriptionCap(t *testing.T) {
	m := newTestManager(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ss1, err := m.ProvideStreamSession(ctx)
	if err != nil {
		t.Fatalf("first ProvideStreamSession: %v", err)
	}
	ss2, err := m.ProvideStreamSession(ctx)
	if err != nil {
		t.Fatalf("second ProvideStreamSession: %v", err)
	}
	if ss1 != ss2 {
		t.Fatal("expected ProvideStreamSession to reuse a stream session under the per-session subscription cap")
	}
}

func TestProvideStreamSessionAttachesToSharedSession(t *testing.T) {
	m := newTestManager(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := m.ProvideSession(ctx)
	if err != nil {
		t.Fatalf("ProvideSession: %v", err)
	}
	if _, err := m.ProvideStreamSession(ctx); err != nil {
		t.Fatalf("ProvideStreamSession: %v", err)
	}

	if len(m.sessions) != 1 {
		t.Fatalf("expected exactly one underlying session, got %d", len(m.sessions))
	}
	if m.sessions[s.Name()] != s {
		t.Fatal("expected the stream session to share the session ProvideSession returned")
	}
}

func TestDeleteCascadesSessionsAndStreamSessions(t *testing.T) {
	m := newTestManager(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := m.ProvideSession(ctx)
	if err != nil {
		t.Fatalf("ProvideSession: %v", err)
	}
	if _, err := m.ProvideStreamSession(ctx); err != nil {
		t.Fatalf("ProvideStreamSession: %v", err)
	}

	m.Delete(ctx)

	if s.Status() != session.StatusDeleted {
		t.Fatalf("expected session to be deleted, got %v", s.Status())
	}
	if len(m.sessions) != 0 || len(m.streamSessions) != 0 {
		t.Fatal("expected pool's internal maps cleared after Delete")
	}
}
