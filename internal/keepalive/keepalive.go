// Package keepalive implements the per-channel keepalive + monitor worker
// pair described in spec §4.4: a keepalive worker pings on interval and
// dies on transport failure; a monitor observes the keepalive worker's
// liveness and, after invoking the owner's reconnect procedure, respawns
// a fresh keepalive worker with identical parameters. The monitor itself
// is never restarted (SPEC_FULL §3 item 3) — only the keepalive worker is
// respawnable.
package keepalive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/monitoring"
)

// Interval is the broker's required ping cadence: 9.9 minutes. A package
// var (not a const) so tests can shrink it instead of sleeping for real.
var Interval = time.Duration(60*9.9) * time.Second

// Tick is the granularity the supervisor sleeps in while accumulating
// elapsed time toward Interval (spec §4.4: "sleeps in small ticks, e.g.
// 500ms").
var Tick = 500 * time.Millisecond

// PingFunc sends one ping on the owning channel. For a Request Channel
// it also waits for and validates the reply; for a Stream Channel no
// reply is expected (spec §4.4). Returning an error kills the keepalive
// worker and hands control to the monitor.
type PingFunc func(ctx context.Context) error

// ReconnectFunc re-establishes the owning channel's health. Invoked by
// the monitor before it respawns the keepalive worker.
type ReconnectFunc func(ctx context.Context) error

// Config parameterizes a Supervisor.
type Config struct {
	Ping        PingFunc
	Reconnect   ReconnectFunc
	Logger      zerolog.Logger
	Metrics     *monitoring.Metrics
	ChannelKind string // "session" or "stream_session", for metric labels
}

// Supervisor runs exactly one keepalive worker and one monitor worker for
// the lifetime of a channel.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	alive atomic.Bool
}

// New creates a Supervisor. Call Start to launch its workers. The
// supplied logger is re-scoped with its own "keepalive" component field,
// distinct from the owning Session/StreamSession's component tag.
func New(cfg Config) *Supervisor {
	cfg.Logger = cfg.Logger.With().Str("component", "keepalive").Logger()
	return &Supervisor{cfg: cfg}
}

// Start launches the keepalive worker and its monitor. Calling Start
// again after Stop restarts both from scratch.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go s.runKeepalive(ctx, stop)
	go s.runMonitor(ctx, stop)
}

// Stop halts both workers. The monitor will not respawn the keepalive
// worker after this call.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) runKeepalive(ctx context.Context, stop <-chan struct{}) {
	s.alive.Store(true)
	defer s.alive.Store(false)

	var elapsed time.Duration
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			elapsed += Tick
			if elapsed < Interval {
				continue
			}
			elapsed = 0

			if err := s.cfg.Ping(ctx); err != nil {
				s.cfg.Logger.Warn().Err(err).Str("channel_kind", s.cfg.ChannelKind).Msg("keepalive ping failed")
				return
			}
			s.cfg.Metrics.IncPing(s.cfg.ChannelKind)
		}
	}
}

func (s *Supervisor) runMonitor(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.isRunning() {
				return
			}
			if s.alive.Load() {
				continue
			}

			s.cfg.Logger.Info().Str("channel_kind", s.cfg.ChannelKind).Msg("keepalive worker died, reconnecting and respawning")
			s.cfg.Metrics.IncReconnect(s.cfg.ChannelKind)
			if err := s.cfg.Reconnect(ctx); err != nil {
				s.cfg.Logger.Error().Err(err).Str("channel_kind", s.cfg.ChannelKind).Msg("reconnect failed, monitor will retry")
				continue
			}

			if !s.isRunning() {
				return
			}
			go s.runKeepalive(ctx, stop)
		}
	}
}
