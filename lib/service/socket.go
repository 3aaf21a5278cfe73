// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/codec"
)

// ActionFunc handles one action. raw is the whole CBOR request; the
// handler decodes its own fields from it. A nil result produces
// {ok: true} with no data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope for every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 1024 * 1024
)

// SocketServer serves registered actions on a Unix socket.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	active sync.WaitGroup
}

// NewSocketServer returns a server for socketPath. Register actions
// with Handle before Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. Registering an action twice
// panics. Handlers run concurrently, one goroutine per connection.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve listens until ctx is cancelled, then waits for in-flight
// requests. A stale socket file is removed first; the socket file is
// removed on return. The socket is created mode 0600.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting %s: %w", s.socketPath, err)
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("admin socket listening", "path", s.socketPath, "actions", len(s.handlers))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if !errors.Is(err, io.EOF) {
			s.reply(conn, failure("invalid request: %v", err))
		}
		return
	}

	started := time.Now()
	action, response := s.dispatch(ctx, raw)
	s.logger.Debug("admin action",
		"action", action,
		"ok", response.OK,
		"error", response.Error,
		"duration", time.Since(started),
	)
	s.reply(conn, response)
}

// dispatch routes one decoded request and returns the action name (empty
// when missing) and the response to send.
func (s *SocketServer) dispatch(ctx context.Context, raw codec.RawMessage) (string, Response) {
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return "", failure("invalid request: %v", err)
	}
	if header.Action == "" {
		return "", failure("missing required field: action")
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		return header.Action, failure("unknown action %q", header.Action)
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		return header.Action, Response{Error: err.Error()}
	}
	if result == nil {
		return header.Action, Response{OK: true}
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return header.Action, failure("encoding %s result: %v", header.Action, err)
	}
	return header.Action, Response{OK: true, Data: data}
}

func failure(format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...)}
}

// reply is best effort; the connection closes either way.
func (s *SocketServer) reply(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing admin response failed", "error", err)
	}
}
