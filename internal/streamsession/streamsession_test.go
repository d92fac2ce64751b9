package streamsession

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/transport"
)

// fakeStreamBroker accepts connections and silently drains whatever is
// written to them — the stream protocol's subscribe/unsubscribe/ping
// envelopes are fire-and-forget, so nothing needs to be written back for
// these lifecycle tests.
type fakeStreamBroker struct {
	ln    net.Listener
	dials int32
}

func newFakeStreamBroker(t *testing.T) *fakeStreamBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeStreamBroker{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&b.dials, 1)
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
	return b
}

func (b *fakeStreamBroker) port() int { return b.ln.Addr().(*net.TCPAddr).Port }

type fakeParent struct {
	ssid           string
	reconnectCalls int32
	attached       map[string]func(ctx context.Context) error
}

func newFakeParent(ssid string) *fakeParent {
	return &fakeParent{ssid: ssid, attached: make(map[string]func(ctx context.Context) error)}
}

func (p *fakeParent) StreamSessionID() string { return p.ssid }
func (p *fakeParent) Reconnect(ctx context.Context) error {
	atomic.AddInt32(&p.reconnectCalls, 1)
	return nil
}
func (p *fakeParent) Attach(id string, del func(ctx context.Context) error) { p.attached[id] = del }
func (p *fakeParent) Detach(id string)                                     { delete(p.attached, id) }

func newTestStreamSession(t *testing.T, b *fakeStreamBroker, parent Parent) *StreamSession {
	t.Helper()
	tf := func() *transport.Transport {
		return transport.New(transport.Config{
			Host:               "127.0.0.1",
			Port:               b.port(),
			SendInterval:       time.Millisecond,
			MaxConnectionFails: 1,
			ReactionTimeout:    time.Second,
		}, zerolog.Nop(), monitoring.NewMetrics(nil))
	}
	return New("SH_0", parent, tf, zerolog.Nop(), monitoring.NewMetrics(nil))
}

func TestOpenSubscribesKeepAliveWithinDeadline(t *testing.T) {
	b := newFakeStreamBroker(t)
	parent := newFakeParent("ssid-1")
	ss := newTestStreamSession(t, b, parent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ss.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ss.keepalive.Stop()

	if ss.Status() != StatusActive {
		t.Fatalf("expected active status, got %v", ss.Status())
	}
	if ss.SubscriptionCount() != 1 {
		t.Fatalf("expected exactly the KeepAlive subscription, got count %d", ss.SubscriptionCount())
	}
	if _, ok := parent.attached[ss.Name()]; !ok {
		t.Fatal("expected stream session to register with its parent")
	}
}

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	b := newFakeStreamBroker(t)
	parent := newFakeParent("ssid-1")
	ss := newTestStreamSession(t, b, parent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ss.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ss.keepalive.Stop()

	sub, err := ss.Subscribe(ctx, "Balance", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ss.SubscriptionCount() != 2 {
		t.Fatalf("expected KeepAlive + Balance subscriptions, got %d", ss.SubscriptionCount())
	}

	if err := ss.Unsubscribe(ctx, sub.ID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if ss.SubscriptionCount() != 1 {
		t.Fatalf("expected only KeepAlive to remain, got %d", ss.SubscriptionCount())
	}
}

func TestReconnectCallsParentFirstAndPreservesSubscriptionIdentities(t *testing.T) {
	b := newFakeStreamBroker(t)
	parent := newFakeParent("ssid-1")
	ss := newTestStreamSession(t, b, parent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ss.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ss.keepalive.Stop()

	if _, err := ss.Subscribe(ctx, "Balance", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	before := ss.channel.Subscriptions()

	// Sever the channel's transport to force Reconnect's rebind path.
	ss.channel.TransportForClose().Close()

	if err := ss.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if atomic.LoadInt32(&parent.reconnectCalls) < 1 {
		t.Fatal("expected Reconnect to consult the parent session first")
	}
	after := ss.channel.Subscriptions()
	if len(before) != len(after) {
		t.Fatalf("expected identical subscription set across reconnect, before=%v after=%v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("subscription identity changed across reconnect: %v vs %v", before, after)
		}
	}
}

func TestReconnectIsNonReentrant(t *testing.T) {
	b := newFakeStreamBroker(t)
	parent := newFakeParent("ssid-1")
	ss := newTestStreamSession(t, b, parent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ss.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ss.keepalive.Stop()

	ss.attemptMu.Lock() // simulate a reconnect already in progress
	err := ss.Reconnect(ctx)
	ss.attemptMu.Unlock()

	if err != nil {
		t.Fatalf("expected best-effort Reconnect to return nil when already in progress, got %v", err)
	}
	if atomic.LoadInt32(&parent.reconnectCalls) != 0 {
		t.Fatalf("expected parent.Reconnect not to be consulted while a reconnect is already in progress")
	}
}

func TestDeleteUnsubscribesAllAndDetachesFromParent(t *testing.T) {
	b := newFakeStreamBroker(t)
	parent := newFakeParent("ssid-1")
	ss := newTestStreamSession(t, b, parent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ss.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ss.Subscribe(ctx, "Balance", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ss.Delete(ctx)

	if ss.Status() != StatusDeleted {
		t.Fatalf("expected deleted status, got %v", ss.Status())
	}
	if _, ok := parent.attached[ss.Name()]; ok {
		t.Fatal("expected stream session to detach from its parent on delete")
	}
}
