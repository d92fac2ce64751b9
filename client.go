// Package xtbconn is the public entry point to the connection fabric:
// a Client wraps the Pool Manager and exposes the two operations the rest
// of the library calls into the core through (spec §1), Request and
// Subscribe, plus Unsubscribe and Close.
package xtbconn

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/config"
	"github.com/adred-codev/xtbconn/internal/envelope"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/pool"
	"github.com/adred-codev/xtbconn/internal/resourceguard"
	"github.com/adred-codev/xtbconn/internal/session"
	"github.com/adred-codev/xtbconn/internal/stream"
	"github.com/adred-codev/xtbconn/internal/streamsession"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// Mode selects the demo or real broker environment.
type Mode = session.Mode

const (
	ModeDemo = session.ModeDemo
	ModeReal = session.ModeReal
)

// Credentials is the broker login pair.
type Credentials = session.Credentials

// Subscription is a live registration returned by Subscribe.
type Subscription = stream.Subscription

// Options configures a Client.
type Options struct {
	Config      config.Config
	Credentials Credentials
	Mode        Mode
	Logger      zerolog.Logger
	Registerer  prometheus.Registerer
}

// Client is the library's sole public surface: Request for synchronous
// commands, Subscribe/Unsubscribe for streaming ones, and Close for
// orderly teardown.
type Client struct {
	pool      *pool.Manager
	guard     *resourceguard.Guard
	stopGuard func()

	ownersMu sync.Mutex
	owners   map[string]*streamsession.StreamSession // subscription ID -> owning Stream Session
}

// New constructs a Client from Options. It does not connect anything —
// the first ProvideSession/ProvideStreamSession call (triggered by the
// first Request/Subscribe) opens the first socket.
func New(opts Options) *Client {
	metrics := monitoring.NewMetrics(opts.Registerer)
	guard := resourceguard.New(resourceguard.DefaultThresholds, opts.Logger)
	stop := guard.Start(15 * time.Second)

	host := opts.Config.Socket.Host
	dataPort, streamPort := demoOrRealPorts(opts.Config, opts.Mode)

	dataTF := func() *transport.Transport {
		return transport.New(transport.Config{
			Host:               host,
			Port:               dataPort,
			Encrypted:          true,
			SendInterval:       opts.Config.Connection.SendInterval,
			MaxSendChunk:       opts.Config.Connection.MaxSendData,
			MaxReceiveChunk:    opts.Config.Connection.MaxReceiveData,
			MaxConnectionFails: opts.Config.Connection.MaxConnectionFails,
			ReactionTimeout:    opts.Config.Connection.MaxReactionTime,
		}, opts.Logger, metrics)
	}
	streamTF := func() *transport.Transport {
		return transport.New(transport.Config{
			Host:               host,
			Port:               streamPort,
			Encrypted:          true,
			SendInterval:       opts.Config.Connection.SendInterval,
			MaxSendChunk:       opts.Config.Connection.MaxSendData,
			MaxReceiveChunk:    opts.Config.Connection.MaxReceiveData,
			MaxConnectionFails: opts.Config.Connection.MaxConnectionFails,
			ReactionTimeout:    opts.Config.Connection.MaxReactionTime,
		}, opts.Logger, metrics)
	}

	p := pool.New(pool.Config{
		Connection:             opts.Config.Connection,
		Credentials:            opts.Credentials,
		Mode:                   opts.Mode,
		DataTransportFactory:   dataTF,
		StreamTransportFactory: streamTF,
		Logger:                 opts.Logger,
		Metrics:                metrics,
		Guard:                  guard,
	})

	return &Client{pool: p, guard: guard, stopGuard: stop, owners: make(map[string]*streamsession.StreamSession)}
}

func demoOrRealPorts(cfg config.Config, mode Mode) (dataPort, streamPort int) {
	if mode == ModeReal {
		return cfg.Socket.PortReal, cfg.Socket.PortRealStream
	}
	return cfg.Socket.PortDemo, cfg.Socket.PortDemoStream
}

// Request performs one synchronous command over a Session obtained from
// the pool (spec §4.2/§4.5).
func (c *Client) Request(ctx context.Context, command string, arguments interface{}, tag string) (*envelope.Reply, error) {
	s, err := c.pool.ProvideSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, command, arguments, tag)
}

// Subscribe opens (or reuses) a Stream Session and registers a
// subscription for command/keyArgs (spec §4.3/§4.6). The returned
// Subscription's consumer-stop-signal is reached through Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, command string, keyArgs map[string]interface{}) (*Subscription, error) {
	ss, err := c.pool.ProvideStreamSession(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := ss.Subscribe(ctx, command, keyArgs)
	if err != nil {
		return nil, err
	}

	c.ownersMu.Lock()
	c.owners[sub.ID] = ss
	c.ownersMu.Unlock()

	return sub, nil
}

// Unsubscribe sends the stop envelope for sub on its owning Stream
// Session, removes its registration, and closes its delivery queue — the
// consumer-stop-signal spec §3/§5 requires as a reachable public
// operation.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	c.ownersMu.Lock()
	ss, ok := c.owners[sub.ID]
	if ok {
		delete(c.owners, sub.ID)
	}
	c.ownersMu.Unlock()

	if !ok {
		return xtberrors.NewInvalidState("subscription not registered with this client")
	}
	return ss.Unsubscribe(ctx, sub.ID)
}

// Close tears down every Session and Stream Session the pool holds.
func (c *Client) Close(ctx context.Context) {
	c.pool.Delete(ctx)
	c.stopGuard()
}
