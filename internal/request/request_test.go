package request

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/xtbconn/internal/monitoring"
	"github.com/adred-codev/xtbconn/internal/transport"
	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// serverReply starts a loopback TCP server that reads one message then
// writes back raw (pre-serialized) reply bytes, for each accepted
// connection, until the test ends.
func serverReply(t *testing.T, reply string) (host string, port int) {
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
				if _, err := c.Read(buf); err != nil {
					return
				}
				c.Write([]byte(reply))
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestChannel(t *testing.T, reply string) *Channel {
	t.Helper()
	host, port := serverReply(t, reply)
	tr := transport.New(transport.Config{
		Host:               host,
		Port:               port,
		SendInterval:       time.Millisecond,
		MaxConnectionFails: 1,
		ReactionTimeout:    time.Second,
	}, zerolog.Nop(), monitoring.NewMetrics(nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("transport connect: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	return New(tr, zerolog.Nop(), monitoring.NewMetrics(nil))
}

func TestRequestSuccess(t *testing.T) {
	ch := newTestChannel(t, `{"status":true,"returnData":{"version":"1.0"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := ch.Request(ctx, "getVersion", nil, "", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Status == nil || !*reply.Status {
		t.Fatalf("expected status true, got %+v", reply)
	}
}

func TestRequestRejectedOnStatusFalse(t *testing.T) {
	ch := newTestChannel(t, `{"status":false,"errorCode":"BE001","errorDescr":"bad login"}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Request(ctx, "login", map[string]interface{}{"userId": "x", "password": "y"}, "", "")

	var rejected *xtberrors.RequestRejected
	if !asRejected(err, &rejected) {
		t.Fatalf("expected RequestRejected, got %v (%T)", err, err)
	}
	if rejected.ErrorCode != "BE001" || rejected.ErrorDescr != "bad login" {
		t.Fatalf("unexpected rejected fields: %+v", rejected)
	}
}

func TestRequestProtocolErrorOnMissingStatus(t *testing.T) {
	ch := newTestChannel(t, `{"returnData":{}}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Request(ctx, "getVersion", nil, "", "")

	var perr *xtberrors.ProtocolError
	if !asProtocol(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v (%T)", err, err)
	}
}

func TestRequestRejectsEmptyCommand(t *testing.T) {
	ch := newTestChannel(t, `{"status":true}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ch.Request(ctx, "", nil, "", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func asRejected(err error, target **xtberrors.RequestRejected) bool {
	if r, ok := err.(*xtberrors.RequestRejected); ok {
		*target = r
		return true
	}
	return false
}

func asProtocol(err error, target **xtberrors.ProtocolError) bool {
	if p, ok := err.(*xtberrors.ProtocolError); ok {
		*target = p
		return true
	}
	return false
}
