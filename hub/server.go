// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Server holds the namespaces and accepts connections into them.
type Server struct {
	logger *slog.Logger

	mu         sync.Mutex
	namespaces map[string]*Namespace
}

// NewServer returns a server with no namespaces. A nil logger uses
// slog.Default().
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:     logger,
		namespaces: make(map[string]*Namespace),
	}
}

// Of returns the namespace called name, creating it if needed.
func (s *Server) Of(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	namespace, exists := s.namespaces[name]
	if !exists {
		namespace = newNamespace(name, s.logger)
		s.namespaces[name] = namespace
	}
	return namespace
}

// Lookup returns the namespace called name, or nil.
func (s *Server) Lookup(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaces[name]
}

// Names returns every namespace name, sorted.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve runs one connection on the named channel: it reads the
// handshake, runs the namespace's connection handler, then dispatches
// events until the connection closes. Serve blocks for the life of the
// connection and always closes conn.
func (s *Server) Serve(channel string, conn Conn) error {
	namespace := s.Lookup(channel)
	if namespace == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, channel)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading handshake: %w", err)
	}
	if frame.Event != HandshakeEvent {
		conn.Close()
		return fmt.Errorf("%w: first event %q", ErrBadHandshake, frame.Event)
	}
	var handshake Handshake
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &handshake); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
	}
	handshake.Raw = frame.Data

	socket := newSocket(namespace, handshake, conn, s.logger)
	namespace.add(socket)
	go socket.writeLoop()

	namespace.mu.Lock()
	onConnection := namespace.onConnection
	namespace.mu.Unlock()
	if onConnection != nil {
		onConnection(socket)
	}

	socket.readLoop()
	return nil
}
