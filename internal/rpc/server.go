package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/schederr"
)

// Handler processes one request's raw payload and returns a response
// value to marshal back, or an error. Errors are classified via
// schederr.KindOf and translated into the envelope's error_kind/
// error_message fields (spec §7).
type Handler func(payload json.RawMessage) (interface{}, error)

// Server is a single-listener RPC endpoint shared by both the
// controller (HELLO/HEARTBEAT/REPORT_CRASH/JOB_DONE) and the worker
// (ACCEPT_JOB/CANCEL_JOB) sides of spec §6.1 — only the registered
// handlers differ.
type Server struct {
	listener net.Listener
	handlers map[Op]Handler
}

func NewServer() *Server {
	return &Server{handlers: make(map[Op]Handler)}
}

// Handle registers the handler for op. Call before Serve.
func (s *Server) Handle(op Op, h Handler) {
	s.handlers[op] = h
}

// Serve listens on address and handles connections until the listener
// is closed. Each connection is handled on its own goroutine; a peer
// may send multiple request/response frames on one connection.
func (s *Server) Serve(address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	return s.Accept()
}

// Listen binds the server's listener without blocking. Serve calls
// this internally; callers that need the bound address before the
// accept loop starts (tests using ":0") can call Listen then Accept
// separately.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", address, err)
	}
	s.listener = ln
	return nil
}

// Accept runs the accept loop until the listener is closed. Listen
// must be called first.
func (s *Server) Accept() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			logging.Logger.Warn().Err(err).Msg("rpc: accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener's bound address, useful when Serve was
// started on ":0" for tests.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections. In-flight requests finish on
// their own goroutines.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}
		env, err := ReadFrame(conn)
		if err != nil {
			return
		}

		handler, ok := s.handlers[env.Op]
		if !ok {
			_ = WriteFrame(conn, Envelope{OK: false, ErrorKind: "unknown_op", ErrorMessage: string(env.Op)})
			continue
		}

		resp, err := handler(env.Payload)
		if err != nil {
			_ = WriteFrame(conn, Envelope{
				OK:           false,
				ErrorKind:    string(schederr.KindOf(err)),
				ErrorMessage: err.Error(),
			})
			continue
		}

		body, err := json.Marshal(resp)
		if err != nil {
			_ = WriteFrame(conn, Envelope{OK: false, ErrorKind: "internal", ErrorMessage: err.Error()})
			continue
		}
		_ = WriteFrame(conn, Envelope{OK: true, Payload: body})
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
