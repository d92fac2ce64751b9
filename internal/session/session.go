// Package session implements the Session (Data handler): owns a Request
// Channel, performs the login handshake, holds streamSessionId, and
// serializes mutating control against its keepalive worker.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/envelope"
	"github.com/adred-codev/xtbconn/internal/keepalive"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/request"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// Mode selects the demo or real broker environment.
type Mode string

const (
	ModeDemo Mode = "demo"
	ModeReal Mode = "real"
)

// Status is one state of the Session state machine (spec §4.5).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusDeleted       Status = "deleted"
)

// Credentials is the login pair. Sourcing them is out of scope (spec §1);
// a Session only consumes an already-resolved value.
type Credentials struct {
	UserID   string
	Password string
}

// TransportFactory builds a fresh, unconnected Transport pointing at the
// Session's configured endpoint. Called on open and on every reconnect.
type TransportFactory func() *transport.Transport

// Session owns one Request Channel and the login/keepalive/reconnect
// lifecycle layered on top of it.
type Session struct {
	name             string
	mode             Mode
	creds            Credentials
	transportFactory TransportFactory
	logger           zerolog.Logger
	metrics          *monitoring.Metrics

	mu        sync.RWMutex
	status    Status
	ssid      string
	transport *transport.Transport
	channel   *request.Channel

	reconnectMu sync.Mutex
	keepalive   *keepalive.Supervisor

	attachedMu sync.Mutex
	attached   map[string]func(ctx context.Context) error
}

// New constructs a Session in the initializing state. Call Open to log
// in and activate it.
func New(name string, mode Mode, creds Credentials, tf TransportFactory, logger zerolog.Logger, metrics *monitoring.Metrics) *Session {
	return &Session{
		name:             name,
		mode:             mode,
		creds:            creds,
		transportFactory: tf,
		logger:           logger.With().Str("component", "session").Str("session", name).Logger(),
		metrics:          metrics,
		status:           StatusInitializing,
		attached:         make(map[string]func(ctx context.Context) error),
	}
}

// Name returns the Session's stable display name (e.g. "DH_0").
func (s *Session) Name() string { return s.name }

// Status reports the current state-machine state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StreamSessionID returns the current streamSessionId. Stream Sessions
// must call this on every subscribe and every ping — never cache it
// across a reconnect (spec §5).
func (s *Session) StreamSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssid
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Healthy reports whether the underlying transport is connected and has
// seen no failed operation since it connected. Backs the reconnect
// procedure's basic check.
func (s *Session) Healthy() bool {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	return t != nil && t.Healthy()
}

// Open transitions initializing -> active: opens the Request Channel,
// logs in, stores streamSessionId, and starts the keepalive worker.
func (s *Session) Open(ctx context.Context) error {
	if s.Status() != StatusInitializing {
		return xtberrors.NewInvalidState("session already opened")
	}

	t := s.transportFactory()
	if err := t.Connect(ctx); err != nil {
		s.setStatus(StatusInactive)
		return err
	}
	channel := request.New(t, s.logger, s.metrics)

	reply, err := s.login(ctx, channel)
	if err != nil {
		s.setStatus(StatusInactive)
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.channel = channel
	s.ssid = reply.StreamSessionID
	s.status = StatusActive
	s.mu.Unlock()

	s.keepalive = keepalive.New(keepalive.Config{
		Ping:        s.pingLocked,
		Reconnect:   s.Reconnect,
		Logger:      s.logger,
		Metrics:     s.metrics,
		ChannelKind: "session",
	})
	s.keepalive.Start(context.WithoutCancel(ctx))
	return nil
}

func (s *Session) login(ctx context.Context, channel *request.Channel) (*envelope.Reply, error) {
	channel.Lock()
	defer channel.Unlock()
	args := map[string]interface{}{"userId": s.creds.UserID, "password": s.creds.Password}
	return channel.RequestLocked(ctx, "login", args, "", "")
}

func (s *Session) pingLocked(ctx context.Context) error {
	s.mu.RLock()
	channel := s.channel
	s.mu.RUnlock()
	if channel == nil {
		return xtberrors.NewConnectionLost("ping on unopened session", nil)
	}
	channel.Lock()
	defer channel.Unlock()
	_, err := channel.RequestLocked(ctx, "ping", nil, "", "")
	return err
}

// Request wraps the Request Channel's Request with the one-reconnect-
// one-retry contract of spec §4.5. RequestRejected is never retried.
func (s *Session) Request(ctx context.Context, command string, arguments interface{}, tag string) (*envelope.Reply, error) {
	if s.Status() == StatusDeleted {
		return nil, xtberrors.NewInvalidState("request on deleted session")
	}

	reply, err := s.doRequest(ctx, command, arguments, tag)
	if err == nil {
		return reply, nil
	}
	if !isTransportError(err) {
		return nil, err
	}

	if rerr := s.Reconnect(ctx); rerr != nil {
		return nil, err
	}
	return s.doRequest(ctx, command, arguments, tag)
}

func (s *Session) doRequest(ctx context.Context, command string, arguments interface{}, tag string) (*envelope.Reply, error) {
	s.mu.RLock()
	channel := s.channel
	s.mu.RUnlock()
	if channel == nil {
		return nil, xtberrors.NewInvalidState("request on unopened session")
	}
	channel.Lock()
	defer channel.Unlock()
	return channel.RequestLocked(ctx, command, arguments, tag, "")
}

func isTransportError(err error) bool {
	switch err.(type) {
	case *xtberrors.TransportUnavailable, *xtberrors.ConnectionLost:
		return true
	default:
		return false
	}
}

// Reconnect is the Session's reconnection procedure, serialized by the
// reconnection mutex. A no-op if the transport already reports healthy
// (spec §4.5). Used both as the keepalive supervisor's ReconnectFunc and
// directly by Request's retry path.
func (s *Session) Reconnect(ctx context.Context) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	if s.Healthy() {
		return nil
	}

	s.mu.RLock()
	old := s.transport
	s.mu.RUnlock()
	if old != nil {
		old.Close()
	}

	t := s.transportFactory()
	if err := t.Connect(ctx); err != nil {
		s.setStatus(StatusInactive)
		return err
	}
	channel := request.New(t, s.logger, s.metrics)

	reply, err := s.login(ctx, channel)
	if err != nil {
		s.setStatus(StatusInactive)
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.channel = channel
	s.ssid = reply.StreamSessionID
	s.status = StatusActive
	s.mu.Unlock()

	s.logger.Info().Msg("session reconnected")
	return nil
}

// Attach registers a Stream Session's delete callback so teardown can
// cascade (spec §4.7: Pool Manager deletes attached Stream Sessions
// before their parent Session).
func (s *Session) Attach(id string, del func(ctx context.Context) error) {
	s.attachedMu.Lock()
	defer s.attachedMu.Unlock()
	s.attached[id] = del
}

// Detach removes a previously attached Stream Session's callback.
func (s *Session) Detach(id string) {
	s.attachedMu.Lock()
	defer s.attachedMu.Unlock()
	delete(s.attached, id)
}

// Logout acquires the ping mutex, sends logout (no reply expected),
// closes the transport, and clears streamSessionId. Errors are logged
// and swallowed — logout must always complete (spec §4.5).
func (s *Session) Logout(ctx context.Context) {
	s.mu.RLock()
	channel, t := s.channel, s.transport
	s.mu.RUnlock()

	if channel != nil {
		channel.Lock()
		if err := channel.SendOnlyLocked(ctx, "logout", nil, "", ""); err != nil {
			s.logger.Debug().Err(err).Msg("logout send failed, swallowing")
		}
		channel.Unlock()
	}
	if s.keepalive != nil {
		s.keepalive.Stop()
	}
	if t != nil {
		t.Close()
	}

	s.mu.Lock()
	s.ssid = ""
	s.status = StatusInactive
	s.mu.Unlock()
}

// Delete deletes every attached Stream Session, logs out the Session
// itself, and transitions to the terminal deleted state. From deleted no
// further operations are accepted.
func (s *Session) Delete(ctx context.Context) {
	s.attachedMu.Lock()
	callbacks := make([]func(ctx context.Context) error, 0, len(s.attached))
	for _, del := range s.attached {
		callbacks = append(callbacks, del)
	}
	s.attached = make(map[string]func(ctx context.Context) error)
	s.attachedMu.Unlock()

	for _, del := range callbacks {
		if err := del(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("attached stream session delete failed, swallowing")
		}
	}

	s.Logout(ctx)
	s.setStatus(StatusDeleted)
}
