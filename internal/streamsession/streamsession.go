// Package streamsession implements the Stream Session: a Stream Channel
// attached to a parent Session for authentication, tracking active
// subscriptions for replay after reconnect (spec §4.6).
package streamsession

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/keepalive"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/session"
	"github.com/adred-codev/xtbconn/internal/stream"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// Status is one state of the Stream Session state machine (spec §3).
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// initialKeepaliveDeadline bounds how long the initial KeepAlive
// subscribe may take after opening the socket (spec §4.3 "within one
// second").
const initialKeepaliveDeadline = time.Second

// TransportFactory builds a fresh, unconnected Transport pointing at the
// stream endpoint. Called on open and on every reconnect.
type TransportFactory func() *transport.Transport

// Parent is the subset of *session.Session a Stream Session depends on:
// a back-reference used for lookup only, never ownership (spec §3, §9).
type Parent interface {
	StreamSessionID() string
	Reconnect(ctx context.Context) error
	Attach(id string, del func(ctx context.Context) error)
	Detach(id string)
}

// StreamSession owns one Stream Channel plus its keepalive worker and
// subscription registry.
type StreamSession struct {
	name             string
	parent           Parent
	transportFactory TransportFactory
	logger           zerolog.Logger
	metrics          *monitoring.Metrics

	mu      sync.RWMutex
	status  Status
	channel *stream.Channel

	attemptMu sync.Mutex
	keepalive *keepalive.Supervisor
}

// New constructs a StreamSession. Call Open to connect, subscribe
// KeepAlive, and register with the parent Session.
func New(name string, parent Parent, tf TransportFactory, logger zerolog.Logger, metrics *monitoring.Metrics) *StreamSession {
	return &StreamSession{
		name:             name,
		parent:           parent,
		transportFactory: tf,
		logger:           logger.With().Str("component", "streamsession").Str("stream_session", name).Logger(),
		metrics:          metrics,
		status:           StatusInactive,
	}
}

// Name returns the Stream Session's stable display name (e.g. "SH_0").
func (ss *StreamSession) Name() string { return ss.name }

// Status reports the current state-machine state.
func (ss *StreamSession) Status() Status {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.status
}

func (ss *StreamSession) setStatus(s Status) {
	ss.mu.Lock()
	ss.status = s
	ss.mu.Unlock()
}

// Healthy reports whether the channel's current transport is connected
// and has seen no failed operation since it connected.
func (ss *StreamSession) Healthy() bool {
	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()
	return ch != nil && ch.Healthy()
}

// SubscriptionCount returns the number of currently registered
// subscriptions, including KeepAlive — used by the Pool Manager's
// MAX_STREAMS_PER_SESSION cap check (spec §4.7).
func (ss *StreamSession) SubscriptionCount() int {
	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()
	if ch == nil {
		return 0
	}
	return len(ch.Subscriptions())
}

// Open connects the stream transport, subscribes KeepAlive within one
// second, starts the keepalive worker, and registers with the parent.
func (ss *StreamSession) Open(ctx context.Context) error {
	t := ss.transportFactory()
	if err := t.Connect(ctx); err != nil {
		return err
	}

	channel := stream.New(t, ss.parent.StreamSessionID, ss.logger, ss.metrics)
	channel.StartDispatcher()

	ss.mu.Lock()
	ss.channel = channel
	ss.status = StatusActive
	ss.mu.Unlock()

	kaCtx, cancel := context.WithTimeout(ctx, initialKeepaliveDeadline)
	_, err := channel.Subscribe(kaCtx, "KeepAlive", nil)
	cancel()
	if err != nil {
		ss.setStatus(StatusInactive)
		return err
	}

	ss.keepalive = keepalive.New(keepalive.Config{
		Ping:        ss.ping,
		Reconnect:   ss.Reconnect,
		Logger:      ss.logger,
		Metrics:     ss.metrics,
		ChannelKind: "stream_session",
	})
	ss.keepalive.Start(context.WithoutCancel(ctx))

	ss.parent.Attach(ss.name, ss.delete)
	return nil
}

func (ss *StreamSession) ping(ctx context.Context) error {
	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()
	if ch == nil {
		return xtberrors.NewConnectionLost("ping on unopened stream session", nil)
	}
	ch.Lock()
	defer ch.Unlock()
	// The Stream Channel's ping carries streamSessionId and expects no
	// reply (spec §4.4); Subscribe/Unsubscribe already serialize on the
	// same send mutex, so a bare send here is sufficient liveness proof.
	return ch.PingLocked(ctx, ss.parent.StreamSessionID())
}

// Subscribe registers command/keyArgs, retrying once via reconnect on a
// transport failure (spec §4.6).
func (ss *StreamSession) Subscribe(ctx context.Context, command string, keyArgs map[string]interface{}) (*stream.Subscription, error) {
	if ss.Status() == StatusDeleted {
		return nil, xtberrors.NewInvalidState("subscribe on deleted stream session")
	}

	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()

	sub, err := ch.Subscribe(ctx, command, keyArgs)
	if err == nil {
		return sub, nil
	}
	if !isTransportError(err) {
		return nil, err
	}

	if rerr := ss.Reconnect(ctx); rerr != nil {
		return nil, err
	}

	ss.mu.RLock()
	ch = ss.channel
	ss.mu.RUnlock()
	return ch.Subscribe(ctx, command, keyArgs)
}

// Unsubscribe sends the stop envelope, removes the registration, and
// closes the delivery queue; payloads already queued stay readable by
// Take until it reports the queue done.
func (ss *StreamSession) Unsubscribe(ctx context.Context, subID string) error {
	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()
	if ch == nil {
		return xtberrors.NewInvalidState("unsubscribe on unopened stream session")
	}
	return ch.Unsubscribe(ctx, subID)
}

func isTransportError(err error) bool {
	switch err.(type) {
	case *xtberrors.TransportUnavailable, *xtberrors.ConnectionLost:
		return true
	default:
		return false
	}
}

// Reconnect is the Stream Session's reconnect procedure: non-reentrant
// via a best-effort attempt-lock. It first ensures the parent Session is
// healthy (the parent's own reconnection mutex serializes concurrent
// callers), then recreates the stream transport and replays every
// registered subscription in registration order (spec §4.6).
func (ss *StreamSession) Reconnect(ctx context.Context) error {
	if !ss.attemptMu.TryLock() {
		return nil
	}
	defer ss.attemptMu.Unlock()

	if err := ss.parent.Reconnect(ctx); err != nil {
		return err
	}

	if ss.Healthy() {
		return nil
	}

	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()

	ch.StopDispatcher()

	t := ss.transportFactory()
	if err := t.Connect(ctx); err != nil {
		ss.setStatus(StatusInactive)
		return err
	}

	ch.Rebind(t)
	ch.StartDispatcher()

	if err := ch.Replay(ctx); err != nil {
		ss.setStatus(StatusInactive)
		return err
	}

	ss.setStatus(StatusActive)
	ss.logger.Info().Msg("stream session reconnected, subscriptions replayed")
	return nil
}

// delete is the callback registered with the parent Session so pool
// teardown can cascade into this Stream Session (spec §4.7).
func (ss *StreamSession) delete(ctx context.Context) error {
	ss.Delete(ctx)
	return nil
}

// Delete stops every subscription (including KeepAlive), stops the
// keepalive worker, closes the transport, and deregisters from the
// parent Session. Errors are logged and swallowed.
func (ss *StreamSession) Delete(ctx context.Context) {
	ss.mu.RLock()
	ch := ss.channel
	ss.mu.RUnlock()

	if ch != nil {
		for _, id := range ch.Subscriptions() {
			if err := ch.Unsubscribe(ctx, id); err != nil {
				ss.logger.Debug().Err(err).Str("subscription", id).Msg("unsubscribe on delete failed, swallowing")
			}
		}
	}
	if ss.keepalive != nil {
		ss.keepalive.Stop()
	}
	if ch != nil {
		ch.StopDispatcher()
		if gt := ch.TransportForClose(); gt != nil {
			gt.Close()
		}
	}

	ss.parent.Detach(ss.name)
	ss.setStatus(StatusDeleted)
}
