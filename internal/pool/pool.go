// Package pool implements the Pool Manager: allocates Sessions and
// Stream Sessions under global caps, sharing one Session across multiple
// Stream Sessions (spec §4.7).
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/config"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/resourceguard"
	"github.com/adred-codev/xtbconn/internal/session"
	"github.com/adred-codev/xtbconn/internal/streamsession"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// DataTransportFactory builds a Transport for a Session's request/reply
// endpoint; StreamTransportFactory builds one for a Stream Session's
// streaming endpoint. Both are supplied by the caller (root package) so
// the pool never hardcodes demo/real endpoint selection.
type DataTransportFactory func() *transport.Transport
type StreamTransportFactory func() *transport.Transport

// Manager holds every live Session and Stream Session, enforcing
// MAX_CONNECTIONS globally and MAX_STREAMS_PER_SESSION per Stream
// Session.
type Manager struct {
	cfg     config.ConnectionConfig
	creds   session.Credentials
	mode    session.Mode
	dataTF  DataTransportFactory
	streamTF StreamTransportFactory

	logger  zerolog.Logger
	metrics *monitoring.Metrics
	guard   *resourceguard.Guard

	mu             sync.Mutex
	sessions       map[string]*session.Session
	streamSessions map[string]*streamsession.StreamSession
	nextDataIndex  int
	nextStreamIndex int
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Connection             config.ConnectionConfig
	Credentials            session.Credentials
	Mode                   session.Mode
	DataTransportFactory   DataTransportFactory
	StreamTransportFactory StreamTransportFactory
	Logger                 zerolog.Logger
	Metrics                *monitoring.Metrics
	Guard                  *resourceguard.Guard
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:             cfg.Connection,
		creds:           cfg.Credentials,
		mode:            cfg.Mode,
		dataTF:          cfg.DataTransportFactory,
		streamTF:        cfg.StreamTransportFactory,
		logger:          cfg.Logger.With().Str("component", "pool").Logger(),
		metrics:         cfg.Metrics,
		guard:           cfg.Guard,
		sessions:        make(map[string]*session.Session),
		streamSessions:  make(map[string]*streamsession.StreamSession),
	}
}

// totalConnections is the sum-of-both-kinds count the MAX_CONNECTIONS cap
// applies to (spec §4.7).
func (m *Manager) totalConnectionsLocked() int {
	return len(m.sessions) + len(m.streamSessions)
}

// ProvideSession returns any active Session, or creates one if under the
// global cap, or fails with CapacityExhausted.
func (m *Manager) ProvideSession(ctx context.Context) (*session.Session, error) {
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status() == session.StatusActive {
			m.mu.Unlock()
			return s, nil
		}
	}

	if m.totalConnectionsLocked() >= m.cfg.MaxConnections {
		m.mu.Unlock()
		if cpuPct, memPct, goroutines := m.guard.Pressure(); cpuPct > 0 || memPct > 0 {
			m.logger.Warn().Float64("cpu_percent", cpuPct).Float64("memory_percent", memPct).Int("goroutines", goroutines).Msg("capacity exhausted under resource pressure")
		}
		m.metrics.IncCapacityRejected()
		return nil, xtberrors.NewCapacityExhausted("max connections reached")
	}

	name := fmt.Sprintf("DH_%d", m.nextDataIndex)
	m.nextDataIndex++
	m.mu.Unlock()

	s := session.New(name, m.mode, m.creds, m.dataTF, m.logger, m.metrics)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[name] = s
	m.mu.Unlock()
	m.metrics.SessionsTotal.Inc()
	m.metrics.SessionsActive.Inc()

	return s, nil
}

// ProvideStreamSession returns any active Stream Session whose
// subscription count is under MAX_STREAMS_PER_SESSION, or creates a new
// one attached to a Session obtained via ProvideSession.
func (m *Manager) ProvideStreamSession(ctx context.Context) (*streamsession.StreamSession, error) {
	maxStreams := m.cfg.MaxStreamsPerSession()

	m.mu.Lock()
	for _, ss := range m.streamSessions {
		if ss.Status() == streamsession.StatusActive && ss.SubscriptionCount() < maxStreams {
			m.mu.Unlock()
			return ss, nil
		}
	}

	if m.totalConnectionsLocked() >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.metrics.IncCapacityRejected()
		return nil, xtberrors.NewCapacityExhausted("max connections reached")
	}
	name := fmt.Sprintf("SH_%d", m.nextStreamIndex)
	m.nextStreamIndex++
	m.mu.Unlock()

	parent, err := m.ProvideSession(ctx)
	if err != nil {
		return nil, err
	}

	ss := streamsession.New(name, parent, m.streamTF, m.logger, m.metrics)
	if err := ss.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.streamSessions[name] = ss
	m.mu.Unlock()
	m.metrics.StreamsTotal.Inc()
	m.metrics.StreamsActive.Inc()

	return ss, nil
}

// Delete tears down every Session, deleting each attached Stream Session
// first (the Session's own Delete cascades via its attached-callback
// registry), then the Session itself.
func (m *Manager) Delete(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.streamSessions = make(map[string]*streamsession.StreamSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Delete(ctx)
		m.metrics.SessionsActive.Dec()
	}
}
