// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const sendQueueSize = 256

// Handler processes one inbound event.
type Handler func(event *Event)

// Event is an inbound event delivered to a Handler.
type Event struct {
	Name string
	Data json.RawMessage

	socket *Socket
	ackID  string
	acked  atomic.Bool
}

// Socket returns the socket the event arrived on.
func (e *Event) Socket() *Socket { return e.socket }

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Name)
	}
	return json.Unmarshal(e.Data, v)
}

// WantsAck reports whether the sender asked for an acknowledgement.
func (e *Event) WantsAck() bool { return e.ackID != "" }

// Ack sends data as the acknowledgement. Only the first call sends;
// calls on events that did not ask for an ack are ignored. Ack may be
// called from any goroutine, after the handler has returned.
func (e *Event) Ack(data any) error {
	if e.ackID == "" || !e.acked.CompareAndSwap(false, true) {
		return nil
	}
	payload, err := encode(data)
	if err != nil {
		return fmt.Errorf("encoding ack for %s: %w", e.Name, err)
	}
	return e.socket.enqueue(Frame{Ack: e.ackID, Data: payload})
}

// Socket is one client connection on one namespace.
type Socket struct {
	id        string
	namespace *Namespace
	handshake Handshake
	conn      Conn
	logger    *slog.Logger

	send chan Frame
	quit chan struct{}
	done chan struct{}

	quitOnce sync.Once

	mu                 sync.Mutex
	handlers           map[string]Handler
	disconnectHandlers []func(reason string)
	pending            map[string]chan json.RawMessage
	reason             string

	nextRequest atomic.Uint64
}

func newSocket(namespace *Namespace, handshake Handshake, conn Conn, logger *slog.Logger) *Socket {
	return &Socket{
		id:        uuid.NewString(),
		namespace: namespace,
		handshake: handshake,
		conn:      conn,
		logger:    logger,
		send:      make(chan Frame, sendQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		handlers:  make(map[string]Handler),
		pending:   make(map[string]chan json.RawMessage),
	}
}

// ID returns the connection's unique id.
func (s *Socket) ID() string { return s.id }

// Namespace returns the namespace the socket connected to.
func (s *Socket) Namespace() *Namespace { return s.namespace }

// Handshake returns the identity the client presented.
func (s *Socket) Handshake() Handshake { return s.handshake }

// ClientID is shorthand for Handshake().ClientID.
func (s *Socket) ClientID() string { return s.handshake.ClientID }

// On registers handler for event, replacing any previous handler.
func (s *Socket) On(event string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

// OnDisconnect registers a handler run once after the socket closes
// and has been removed from its namespace and rooms.
func (s *Socket) OnDisconnect(handler func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectHandlers = append(s.disconnectHandlers, handler)
}

// Emit queues an event for the client.
func (s *Socket) Emit(event string, data any) error {
	payload, err := encode(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	return s.enqueue(Frame{Event: event, Data: payload})
}

// Request emits event and waits for the client's ack. The wait ends
// with an error if ctx is done or the socket disconnects first.
func (s *Socket) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := encode(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}

	id := strconv.FormatUint(s.nextRequest.Add(1), 10)
	reply := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.enqueue(Frame{Event: event, Data: payload, ID: id}); err != nil {
		return nil, err
	}

	select {
	case data := <-reply:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrDisconnected
	}
}

// Join adds the socket to a room in its namespace.
func (s *Socket) Join(room string) { s.namespace.join(s, room) }

// Leave removes the socket from a room.
func (s *Socket) Leave(room string) { s.namespace.leave(s, room) }

// Rooms returns the rooms the socket is in, sorted.
func (s *Socket) Rooms() []string {
	rooms := s.namespace.roomsOf(s)
	sort.Strings(rooms)
	return rooms
}

// Disconnect closes the connection after flushing queued frames.
func (s *Socket) Disconnect() { s.shutdown("server disconnect") }

// Connected reports whether the socket is still open.
func (s *Socket) Connected() bool {
	select {
	case <-s.quit:
		return false
	default:
		return true
	}
}

// Done is closed once the socket has fully closed and its disconnect
// handlers have run.
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) enqueue(frame Frame) error {
	select {
	case <-s.quit:
		return ErrDisconnected
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.quit:
		return ErrDisconnected
	default:
		s.logger.Warn("outbound queue full, disconnecting",
			"socket_id", s.id, "client_id", s.handshake.ClientID, "namespace", s.namespace.name)
		s.shutdown("outbound queue full")
		return ErrQueueFull
	}
}

// shutdown starts closing the socket. The writer flushes the queue
// and closes the connection, which ends the read loop.
func (s *Socket) shutdown(reason string) {
	s.quitOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.quit)
	})
}

func (s *Socket) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteFrame(frame); err != nil {
				s.shutdown("write error")
				return
			}
		case <-s.quit:
			for {
				select {
				case frame := <-s.send:
					if s.conn.WriteFrame(frame) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection ends, then
// tears the socket down.
func (s *Socket) readLoop() {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			s.shutdown("transport close")
			break
		}
		if !s.Connected() {
			break
		}
		switch {
		case frame.Ack != "":
			s.resolve(frame.Ack, frame.Data)
		case frame.Event != "":
			s.dispatch(frame)
		}
	}
	s.teardown()
}

func (s *Socket) resolve(id string, data json.RawMessage) {
	s.mu.Lock()
	reply, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("ack for unknown request", "socket_id", s.id, "ack", id)
		return
	}
	select {
	case reply <- data:
	default:
	}
}

func (s *Socket) dispatch(frame Frame) {
	s.mu.Lock()
	handler := s.handlers[frame.Event]
	s.mu.Unlock()
	if handler == nil {
		s.logger.Debug("no handler for event",
			"event", frame.Event, "namespace", s.namespace.name, "client_id", s.handshake.ClientID)
		return
	}
	handler(&Event{Name: frame.Event, Data: frame.Data, socket: s, ackID: frame.ID})
}

func (s *Socket) teardown() {
	s.namespace.remove(s)

	s.mu.Lock()
	handlers := s.disconnectHandlers
	reason := s.reason
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(reason)
	}
	close(s.done)
}
