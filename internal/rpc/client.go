package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fawkes-project/fawkes/internal/schederr"
)

// Client is a short-lived connection to one RPC endpoint. Fawkes opens
// one connection per call rather than pooling — call volume (job
// dispatch, heartbeats every few seconds) does not justify connection
// reuse complexity, and a fresh dial naturally surfaces a dead peer as
// a Transient error instead of a stale pooled socket silently failing.
type Client struct {
	Address string
	Timeout time.Duration
}

// NewClient returns a Client with the default per-call deadline from
// spec §5 ("Allocator blocks on the RPC dispatch call, bounded by a
// per-call deadline, default 5 s").
func NewClient(address string) *Client {
	return &Client{Address: address, Timeout: 5 * time.Second}
}

// Call dials address, sends one request envelope, and waits for the
// matching response. req and resp are marshalled/unmarshalled as the
// envelope payload.
func (c *Client) Call(op Op, req, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", c.Address, c.Timeout)
	if err != nil {
		return schederr.WrapTransient(fmt.Sprintf("dial %s", c.Address), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		return schederr.WrapTransient("set rpc deadline", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s request: %w", op, err)
	}

	if err := WriteFrame(conn, Envelope{Op: op, Payload: payload, OK: true}); err != nil {
		return schederr.WrapTransient(fmt.Sprintf("send %s", op), err)
	}

	env, err := ReadFrame(conn)
	if err != nil {
		return schederr.WrapTransient(fmt.Sprintf("receive %s response", op), err)
	}
	if !env.OK {
		return &schederr.Error{Kind: schederr.Kind(env.ErrorKind), Code: env.ErrorKind, Message: env.ErrorMessage}
	}
	if resp != nil && len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, resp); err != nil {
			return fmt.Errorf("rpc: unmarshal %s response: %w", op, err)
		}
	}
	return nil
}
