package rpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer()
	srv.Handle(OpHello, func(payload json.RawMessage) (interface{}, error) {
		var req HelloRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return HelloResponse{WorkerID: "worker-" + req.Hostname, HeartbeatInterval: 10}, nil
	})
	srv.Handle(OpHeartbeat, func(payload json.RawMessage) (interface{}, error) {
		return nil, schederr.UnknownEntity("worker not found")
	})

	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Accept() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestClientCall_Success(t *testing.T) {
	srv := startTestServer(t)

	client := NewClient(srv.Addr())
	var resp HelloResponse
	err := client.Call(OpHello, HelloRequest{Hostname: "box1"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "worker-box1", resp.WorkerID)
	assert.Equal(t, 10, resp.HeartbeatInterval)
}

func TestClientCall_HandlerError(t *testing.T) {
	srv := startTestServer(t)

	client := NewClient(srv.Addr())
	var resp HeartbeatResponse
	err := client.Call(OpHeartbeat, HeartbeatRequest{WorkerID: "ghost"}, &resp)
	require.Error(t, err)
	assert.Equal(t, schederr.Logical, schederr.KindOf(err))
}

func TestClientCall_UnknownOp(t *testing.T) {
	srv := startTestServer(t)

	client := NewClient(srv.Addr())
	var resp JobDoneResponse
	err := client.Call(OpJobDone, JobDoneRequest{}, &resp)
	assert.Error(t, err)
}

func TestClient_DialFailureIsTransient(t *testing.T) {
	client := &Client{Address: "127.0.0.1:1", Timeout: 200 * time.Millisecond}
	err := client.Call(OpHello, HelloRequest{}, nil)
	require.Error(t, err)
	assert.Equal(t, schederr.Transient, schederr.KindOf(err))
}
