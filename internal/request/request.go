// Package request implements the Request Channel: one request, one
// response, over a Framed Transport, with caller-visible typed errors.
package request

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/envelope"
	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// loginCommand is masked in structured logs before a sent envelope is
// ever written to a log record.
const loginCommand = "login"

// Channel serializes request/response pairs over one Transport. At most
// one request is in flight per Channel at any instant — the send mutex
// below is the enforcement point and doubles as the ping-exclusion
// mechanism a Session layers on top.
type Channel struct {
	transport *transport.Transport
	logger    zerolog.Logger
	metrics   *monitoring.Metrics

	mu sync.Mutex
}

// New wraps t in a Request Channel.
func New(t *transport.Transport, logger zerolog.Logger, metrics *monitoring.Metrics) *Channel {
	return &Channel{
		transport: t,
		logger:    logger.With().Str("component", "request").Logger(),
		metrics:   metrics,
	}
}

// Lock/Unlock expose the channel's send mutex to owners (Session) that
// must hold it across a request and a concurrent ping, so a ping never
// interleaves with a user request on the same channel. Request itself
// also takes the lock, so callers that already hold it must use
// RequestLocked instead.
func (c *Channel) Lock()   { c.mu.Lock() }
func (c *Channel) Unlock() { c.mu.Unlock() }

// Request sends {command, streamSessionId?, arguments?, customTag?},
// blocks for the paired reply, and validates it.
func (c *Channel) Request(ctx context.Context, command string, arguments interface{}, tag, ssid string) (*envelope.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RequestLocked(ctx, command, arguments, tag, ssid)
}

// SendOnlyLocked sends an envelope with no paired reply expected (the
// `logout` command). Callers must hold the channel lock.
func (c *Channel) SendOnlyLocked(ctx context.Context, command string, arguments interface{}, tag, ssid string) error {
	out := envelope.Outbound{
		Command:         command,
		StreamSessionID: ssid,
		Arguments:       arguments,
		CustomTag:       tag,
	}
	c.logSend(command, out)
	return c.transport.Send(ctx, out)
}

// RequestLocked is Request without taking the send mutex, for callers
// (Session) that already hold it to fence off a concurrent ping.
func (c *Channel) RequestLocked(ctx context.Context, command string, arguments interface{}, tag, ssid string) (*envelope.Reply, error) {
	if command == "" {
		return nil, xtberrors.NewProtocolError("command must not be empty")
	}

	out := envelope.Outbound{
		Command:         command,
		StreamSessionID: ssid,
		Arguments:       arguments,
		CustomTag:       tag,
	}

	c.logSend(command, out)

	if err := c.transport.Send(ctx, out); err != nil {
		c.metrics.IncRequestError("send")
		return nil, err
	}
	c.metrics.IncRequests(command)

	var reply envelope.Reply
	if err := c.transport.Receive(&reply); err != nil {
		c.metrics.IncRequestError("receive")
		return nil, err
	}

	if reply.Status == nil {
		c.metrics.IncRequestError("protocol")
		return nil, xtberrors.NewProtocolError("reply missing status field")
	}

	if !*reply.Status {
		c.metrics.IncRequestError("rejected")
		return nil, xtberrors.NewRequestRejected(reply.ErrorCode, reply.ErrorDescr)
	}

	return &reply, nil
}

func (c *Channel) logSend(command string, out envelope.Outbound) {
	args := out.Arguments
	if command == loginCommand {
		if m, ok := args.(map[string]interface{}); ok {
			args = monitoring.MaskLoginArguments(m)
		}
	}
	c.logger.Debug().
		Str("command", command).
		Str("stream_session_id", out.StreamSessionID).
		Str("custom_tag", out.CustomTag).
		Interface("arguments", args).
		Msg("sending request")
}
