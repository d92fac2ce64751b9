// Package stream implements the Stream Channel: an asynchronous
// subscription multiplexer over a Framed Transport dedicated to
// streaming (spec §4.3).
package stream

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/envelope"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// QueueCapacity is the recommended per-subscription delivery queue depth
// (spec §4.3).
const QueueCapacity = 1000

// commandBySourceName normalizes the broker's lowercase-camel stream
// command to the subscribe name callers use (spec §4.3).
var commandBySourceName = map[string]string{
	"balance":    "Balance",
	"candle":     "Candles",
	"keepAlive":  "KeepAlive",
	"news":       "News",
	"profit":     "Profits",
	"tickPrices": "TickPrices",
	"trade":      "Trades",
	"tradeStatus": "TradeStatus",
}

// keyedCommands name subscribe commands whose identity and dispatch
// depend on a "symbol" keying argument carried in the data frame.
var keyedCommands = map[string]bool{
	"TickPrices": true,
	"Candles":    true,
}

// IsKnownCommand reports whether command is one of the eight stream
// subscribe names.
func IsKnownCommand(command string) bool {
	for _, v := range commandBySourceName {
		if v == command {
			return true
		}
	}
	return false
}

// identity computes the (command, keying arguments) identity string used
// to detect duplicate subscriptions (spec §3 "Subscription").
func identity(command string, keyArgs map[string]interface{}) string {
	if !keyedCommands[command] {
		return command
	}
	symbol, _ := keyArgs["symbol"].(string)
	return command + "|" + symbol
}

// Subscription is one live registration on a Channel.
type Subscription struct {
	ID      string
	Command string
	Args    map[string]interface{}

	queue   chan jsoniter.RawMessage
	dropped uint64
	mu      sync.Mutex // guards dropped counter
}

// Take blocks for the next delivered payload, or returns ctx.Err() if ctx
// is cancelled first, or (nil, false) once the subscription is removed
// and its queue drained.
func (s *Subscription) Take(ctx context.Context) (jsoniter.RawMessage, bool, error) {
	select {
	case msg, ok := <-s.queue:
		return msg, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Dropped returns the number of payloads dropped because the delivery
// queue was full when a new one arrived.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) push(msg jsoniter.RawMessage, metrics *monitoring.Metrics) {
	select {
	case s.queue <- msg:
		return
	default:
	}

	select {
	case <-s.queue:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		metrics.IncQueueDrop(s.Command)
	default:
	}

	select {
	case s.queue <- msg:
	default:
	}
}

// SSIDSource returns the parent Session's current streamSessionId.
// Refetched on every subscribe and ping — never cached across a
// reconnect (spec §5).
type SSIDSource func() string

// Channel multiplexes one Framed Transport dedicated to streaming.
type Channel struct {
	transportMu sync.RWMutex
	transport   *transport.Transport

	logger     zerolog.Logger
	metrics    *monitoring.Metrics
	ssidSource SSIDSource

	sendMu sync.Mutex // shared exclusion with the keepalive ping, per spec §5

	subsMu sync.RWMutex
	subs   map[string]*Subscription
	order  []string // registration order, for replay on reconnect

	dispatchStop chan struct{}
	dispatchDone chan struct{}
}

// New wraps t in a Stream Channel.
func New(t *transport.Transport, ssidSource SSIDSource, logger zerolog.Logger, metrics *monitoring.Metrics) *Channel {
	return &Channel{
		transport:  t,
		logger:     logger.With().Str("component", "stream").Logger(),
		metrics:    metrics,
		ssidSource: ssidSource,
		subs:       make(map[string]*Subscription),
	}
}

// Lock/Unlock expose the channel's send mutex so the keepalive ping and
// Subscribe/Unsubscribe never interleave writes on the socket.
func (c *Channel) Lock()   { c.sendMu.Lock() }
func (c *Channel) Unlock() { c.sendMu.Unlock() }

func (c *Channel) getTransport() *transport.Transport {
	c.transportMu.RLock()
	defer c.transportMu.RUnlock()
	return c.transport
}

// Rebind swaps the underlying transport after a reconnect, preserving
// every registered subscription's identity and queue. Callers must stop
// the dispatcher before rebinding and restart it after.
func (c *Channel) Rebind(t *transport.Transport) {
	c.transportMu.Lock()
	c.transport = t
	c.transportMu.Unlock()
}

// Healthy reports whether the channel's current transport is connected
// and has seen no failed operation since it connected.
func (c *Channel) Healthy() bool {
	t := c.getTransport()
	return t != nil && t.Healthy()
}

// TransportForClose returns the channel's current transport so an owner
// can close it during teardown.
func (c *Channel) TransportForClose() *transport.Transport {
	return c.getTransport()
}

// PingLocked sends a ping envelope carrying ssid with no reply expected.
// Callers must hold the channel lock (spec §4.4: the ping mutex is the
// channel's send mutex).
func (c *Channel) PingLocked(ctx context.Context, ssid string) error {
	out := envelope.Outbound{Command: "ping", StreamSessionID: ssid}
	return c.getTransport().Send(ctx, out)
}

// StartDispatcher launches the single long-running worker that reads
// frames off the transport and fans them out to matching subscriptions.
func (c *Channel) StartDispatcher() {
	c.dispatchStop = make(chan struct{})
	c.dispatchDone = make(chan struct{})
	go c.dispatch()
}

// StopDispatcher halts the dispatcher worker and waits for it to exit.
func (c *Channel) StopDispatcher() {
	if c.dispatchStop == nil {
		return
	}
	close(c.dispatchStop)
	<-c.dispatchDone
}

func (c *Channel) dispatch() {
	defer close(c.dispatchDone)

	for {
		select {
		case <-c.dispatchStop:
			return
		default:
		}

		var frame envelope.StreamFrame
		if err := c.getTransport().Receive(&frame); err != nil {
			c.logger.Debug().Err(err).Msg("dispatcher receive failed, worker exiting")
			return
		}

		name, known := commandBySourceName[frame.Command]
		if !known {
			c.logger.Debug().Str("command", frame.Command).Msg("unknown stream command, dropped")
			continue
		}
		if name == "KeepAlive" {
			continue
		}

		c.deliver(name, frame.Data)
	}
}

func (c *Channel) deliver(command string, data jsoniter.RawMessage) {
	var symbol string
	if keyedCommands[command] {
		var probe struct {
			Symbol string `json:"symbol"`
		}
		if err := jsoniter.Unmarshal(data, &probe); err == nil {
			symbol = probe.Symbol
		}
	}

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for _, sub := range c.subs {
		if sub.Command != command {
			continue
		}
		if keyedCommands[command] {
			wantSymbol, _ := sub.Args["symbol"].(string)
			if wantSymbol != symbol {
				continue
			}
		}
		sub.push(data, c.metrics)
		c.metrics.IncStreamPayload(command)
	}
}

// Subscribe registers command/keyArgs and sends its subscribe envelope.
// Duplicate identities are rejected with InvalidState (spec §4.3, §8).
func (c *Channel) Subscribe(ctx context.Context, command string, keyArgs map[string]interface{}) (*Subscription, error) {
	if !IsKnownCommand(command) {
		return nil, xtberrors.NewProtocolError(fmt.Sprintf("unknown stream command %q", command))
	}

	id := identity(command, keyArgs)

	c.subsMu.Lock()
	if _, exists := c.subs[id]; exists {
		c.subsMu.Unlock()
		return nil, xtberrors.NewInvalidState(fmt.Sprintf("subscription %q already exists", id))
	}
	sub := &Subscription{
		ID:      id,
		Command: command,
		Args:    keyArgs,
		queue:   make(chan jsoniter.RawMessage, QueueCapacity),
	}
	c.subs[id] = sub
	c.order = append(c.order, id)
	c.subsMu.Unlock()

	if err := c.sendSubscribe(ctx, command, keyArgs); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.removeFromOrder(id)
		c.subsMu.Unlock()
		return nil, err
	}

	return sub, nil
}

func (c *Channel) sendSubscribe(ctx context.Context, command string, keyArgs map[string]interface{}) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	out := envelope.Outbound{
		Command:         "get" + command,
		StreamSessionID: c.ssidSource(),
		Arguments:       nonEmptyArgs(keyArgs),
	}
	return c.getTransport().Send(ctx, out)
}

// Unsubscribe sends the stop envelope, removes the registration, and
// signals any blocked consumer by closing the delivery queue.
func (c *Channel) Unsubscribe(ctx context.Context, subID string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[subID]
	if !ok {
		c.subsMu.Unlock()
		return xtberrors.NewInvalidState(fmt.Sprintf("subscription %q not registered", subID))
	}
	delete(c.subs, subID)
	c.removeFromOrder(subID)
	c.subsMu.Unlock()

	args := map[string]interface{}{}
	if symbol, ok := sub.Args["symbol"].(string); ok && symbol != "" {
		args["symbol"] = symbol
	}

	c.sendMu.Lock()
	out := envelope.Outbound{Command: "stop" + sub.Command, Arguments: nonEmptyArgs(args)}
	err := c.getTransport().Send(ctx, out)
	c.sendMu.Unlock()

	close(sub.queue)
	return err
}

func (c *Channel) removeFromOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Replay re-sends the subscribe envelope for every currently registered
// subscription, in registration order, using the current (possibly new)
// streamSessionId. Used after a reconnect (spec §4.6).
func (c *Channel) Replay(ctx context.Context) error {
	c.subsMu.RLock()
	order := append([]string(nil), c.order...)
	c.subsMu.RUnlock()

	for _, id := range order {
		c.subsMu.RLock()
		sub, ok := c.subs[id]
		c.subsMu.RUnlock()
		if !ok {
			continue
		}
		if err := c.sendSubscribe(ctx, sub.Command, sub.Args); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns a snapshot of the currently registered
// subscription identities, for invariant checks and tests.
func (c *Channel) Subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return append([]string(nil), c.order...)
}

func nonEmptyArgs(args map[string]interface{}) interface{} {
	if len(args) == 0 {
		return nil
	}
	return args
}
