// Package transport implements the Framed Transport: a TLS socket with
// address-failover connect, length-agnostic JSON framing over a streaming
// decoder, paced chunked writes, and an orderly close. The wire is bare
// TLS+TCP JSON with no WebSocket handshake or framing.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/xtbconn/internal/envelope"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// Config parameterizes one Transport instance. Values ordinarily come from
// internal/config's ConnectionConfig, resolved once at Pool Manager
// construction and never mutated afterward.
type Config struct {
	Host      string
	Port      int
	Encrypted bool

	SendInterval    time.Duration
	MaxSendChunk    int
	MaxReceiveChunk int

	MaxConnectionFails int
	RetryInterval       time.Duration
	ReactionTimeout     time.Duration
}

// candidate is one resolved (family, sockaddr) pair. Go's net package
// folds family/socktype/proto into the dial network string ("tcp4",
// "tcp6"), so the tuple collapses to (network, address).
type candidate struct {
	network string
	address string

	failedAt time.Time
	failures int
}

func (c *candidate) onCooldown(now time.Time, cooldown time.Duration) bool {
	return c.failures > 0 && now.Sub(c.failedAt) < cooldown
}

// Transport owns one TLS connection to a (host, port) pair, with
// reconnect-capable address bookkeeping. The zero value is not usable;
// construct with New.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	conn       net.Conn
	dec        *envelope.Decoder
	limiter    *rate.Limiter
	candidates []*candidate
	cooldown   time.Duration

	healthy atomic.Bool
	lastSend time.Time
}

// New creates a Transport. Call Connect before Send/Receive.
func New(cfg Config, logger zerolog.Logger, metrics *monitoring.Metrics) *Transport {
	if cfg.MaxSendChunk <= 0 {
		cfg.MaxSendChunk = 1024
	}
	if cfg.MaxReceiveChunk <= 0 {
		cfg.MaxReceiveChunk = 4096
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 200 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxConnectionFails <= 0 {
		cfg.MaxConnectionFails = 5
	}

	return &Transport{
		cfg:      cfg,
		logger:   logger.With().Str("component", "transport").Str("host", cfg.Host).Int("port", cfg.Port).Logger(),
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Every(cfg.SendInterval), 1),
		cooldown: 30 * time.Second,
	}
}

// Connect resolves (host, port) to an ordered candidate list — candidates
// with no recorded failure first, then failed ones whose cooldown has
// elapsed — and dials each in turn until one succeeds or every candidate
// is exhausted. A candidate that connected before is not told apart from
// one never tried: both sit in the first group, in resolution order.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.refreshCandidates(ctx); err != nil {
		return xtberrors.NewTransportUnavailable("resolve address", err)
	}

	ordered := t.orderedCandidates()
	if len(ordered) == 0 {
		return xtberrors.NewTransportUnavailable("no address candidates", nil)
	}

	var lastErr error
	for _, c := range ordered {
		conn, err := t.dial(ctx, c)
		if err != nil {
			c.failures++
			c.failedAt = time.Now()
			lastErr = err
			t.logger.Debug().Err(err).Str("network", c.network).Str("address", c.address).Msg("candidate dial failed")
			continue
		}

		c.failures = 0
		t.conn = conn
		t.dec = envelope.NewDecoder(conn)
		t.healthy.Store(true)
		t.logger.Info().Str("network", c.network).Str("address", c.address).Msg("transport connected")
		return nil
	}

	return xtberrors.NewTransportUnavailable("all address candidates exhausted", lastErr)
}

func (t *Transport) dial(ctx context.Context, c *candidate) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.ReactionTimeout}

	var conn net.Conn
	var err error
	for attempt := 0; attempt < t.cfg.MaxConnectionFails; attempt++ {
		if t.cfg.Encrypted {
			tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: t.cfg.Host}}
			conn, err = tlsDialer.DialContext(ctx, c.network, c.address)
		} else {
			conn, err = dialer.DialContext(ctx, c.network, c.address)
		}
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.cfg.RetryInterval):
		}
	}
	return nil, err
}

func (t *Transport) refreshCandidates(ctx context.Context) error {
	if len(t.candidates) > 0 {
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, t.cfg.Host)
	if err != nil {
		return err
	}

	port := fmt.Sprintf("%d", t.cfg.Port)
	for _, ip := range ips {
		network := "tcp4"
		if ip.IP.To4() == nil {
			network = "tcp6"
		}
		t.candidates = append(t.candidates, &candidate{
			network: network,
			address: net.JoinHostPort(ip.IP.String(), port),
		})
	}
	return nil
}

// orderedCandidates returns candidates with no recorded failure first
// (never tried and previously successful alike), then failed ones off
// cooldown. Failed candidates still on cooldown are left out.
func (t *Transport) orderedCandidates() []*candidate {
	now := time.Now()
	var untried, used []*candidate
	for _, c := range t.candidates {
		if c.failures == 0 {
			untried = append(untried, c)
			continue
		}
		if !c.onCooldown(now, t.cooldown) {
			used = append(used, c)
		}
	}
	return append(untried, used...)
}

// Send serializes v and writes it in chunks of at most MaxSendChunk
// bytes, pacing successive chunks (and successive calls) by SendInterval
// so the broker's minimum spacing requirement is never violated.
func (t *Transport) Send(ctx context.Context, v interface{}) error {
	payload, err := envelope.Marshal(v)
	if err != nil {
		return xtberrors.NewEncodingError("marshal outbound envelope", err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return xtberrors.NewConnectionLost("send on unconnected transport", nil)
	}

	for offset := 0; offset < len(payload); {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		end := offset + t.cfg.MaxSendChunk
		if end > len(payload) {
			end = len(payload)
		}

		n, werr := conn.Write(payload[offset:end])
		if werr != nil {
			t.healthy.Store(false)
			return xtberrors.NewConnectionLost("write chunk", werr)
		}
		offset += n
	}

	t.lastSend = time.Now()
	return nil
}

// Receive decodes the next complete JSON object from the stream into v.
// The broker concatenates frames with no delimiter; envelope.Decoder
// tracks the boundary internally so callers never split a frame.
func (t *Transport) Receive(v interface{}) error {
	t.mu.Lock()
	dec := t.dec
	t.mu.Unlock()
	if dec == nil {
		return xtberrors.NewConnectionLost("receive on unconnected transport", nil)
	}

	if err := dec.Decode(v); err != nil {
		t.healthy.Store(false)
		if errors.Is(err, io.EOF) {
			return xtberrors.NewConnectionLost("read frame", err)
		}
		if ne, ok := err.(net.Error); ok {
			return xtberrors.NewConnectionLost("read frame", ne)
		}
		return xtberrors.NewDecodingError("decode inbound frame", err)
	}
	return nil
}

// Healthy reports whether the transport is connected and no Send/Receive
// has failed since the last successful Connect. A healthy transport makes
// a reconnect attempt a no-op.
func (t *Transport) Healthy() bool {
	return t.healthy.Load()
}

// Close attempts an orderly two-way shutdown then closes the socket. The
// separate shutdown step applies to a plain TCP connection; a TLS
// connection is closed directly. Shutdown errors are logged at debug and
// swallowed — teardown must always complete.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.dec = nil
	t.mu.Unlock()

	t.healthy.Store(false)

	if conn == nil {
		return nil
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			t.logger.Debug().Err(err).Msg("shutdown write half failed, continuing close")
		}
		if err := tc.CloseRead(); err != nil {
			t.logger.Debug().Err(err).Msg("shutdown read half failed, continuing close")
		}
	}

	if err := conn.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("close failed, swallowing")
	}
	return nil
}
