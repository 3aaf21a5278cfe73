// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"log/slog"
	"sort"
	"sync"
)

// Namespace is one logical channel.
type Namespace struct {
	name   string
	logger *slog.Logger

	mu           sync.Mutex
	sockets      map[string]*Socket
	rooms        map[string]map[string]*Socket
	onConnection func(*Socket)
}

func newNamespace(name string, logger *slog.Logger) *Namespace {
	return &Namespace{
		name:    name,
		logger:  logger,
		sockets: make(map[string]*Socket),
		rooms:   make(map[string]map[string]*Socket),
	}
}

// Name returns the channel name, such as "/" or "/auth".
func (n *Namespace) Name() string { return n.name }

// OnConnection sets the handler run for each new socket. It runs on
// the socket's read goroutine before any event is read, so handlers it
// registers see every event.
func (n *Namespace) OnConnection(handler func(*Socket)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnection = handler
}

// Sockets returns the live sockets, sorted by id.
func (n *Namespace) Sockets() []*Socket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedSockets(n.sockets)
}

// Emit sends an event to every live socket.
func (n *Namespace) Emit(event string, data any) int {
	return emitAll(n.Sockets(), event, data)
}

// To addresses the sockets in room.
func (n *Namespace) To(room string) Broadcast {
	return Broadcast{namespace: n, room: room}
}

// Broadcast addresses one room of a namespace.
type Broadcast struct {
	namespace *Namespace
	room      string
}

// Sockets returns the room's live sockets, sorted by id.
func (b Broadcast) Sockets() []*Socket {
	b.namespace.mu.Lock()
	defer b.namespace.mu.Unlock()
	return sortedSockets(b.namespace.rooms[b.room])
}

// Emit sends an event to every socket in the room and returns how many
// accepted it.
func (b Broadcast) Emit(event string, data any) int {
	return emitAll(b.Sockets(), event, data)
}

func (n *Namespace) add(socket *Socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sockets[socket.id] = socket
}

func (n *Namespace) remove(socket *Socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sockets, socket.id)
	for room, members := range n.rooms {
		delete(members, socket.id)
		if len(members) == 0 {
			delete(n.rooms, room)
		}
	}
}

func (n *Namespace) join(socket *Socket, room string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, live := n.sockets[socket.id]; !live {
		return
	}
	members, exists := n.rooms[room]
	if !exists {
		members = make(map[string]*Socket)
		n.rooms[room] = members
	}
	members[socket.id] = socket
}

func (n *Namespace) leave(socket *Socket, room string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if members, exists := n.rooms[room]; exists {
		delete(members, socket.id)
		if len(members) == 0 {
			delete(n.rooms, room)
		}
	}
}

func (n *Namespace) roomsOf(socket *Socket) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var rooms []string
	for room, members := range n.rooms {
		if _, in := members[socket.id]; in {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func sortedSockets(set map[string]*Socket) []*Socket {
	sockets := make([]*Socket, 0, len(set))
	for _, socket := range set {
		sockets = append(sockets, socket)
	}
	sort.Slice(sockets, func(i, j int) bool { return sockets[i].id < sockets[j].id })
	return sockets
}

func emitAll(sockets []*Socket, event string, data any) int {
	payload, err := encode(data)
	if err != nil {
		return 0
	}
	delivered := 0
	for _, socket := range sockets {
		if socket.enqueue(Frame{Event: event, Data: payload}) == nil {
			delivered++
		}
	}
	return delivered
}
