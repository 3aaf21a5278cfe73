// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package room tracks the rooms that route messages to trusted
// clients.
//
// A room is named by the clientId that owns it and holds the
// connections currently authenticated as that client. Descriptions are
// kept per client and survive room deletion, so a client that
// reconnects after a teardown keeps the label it last supplied.
//
// Registry is not safe for concurrent use; the broker serializes all
// access under its own lock.
package room

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRoomNotFound is returned for operations on a room that does not
// exist.
var ErrRoomNotFound = errors.New("room not found")

// Member is one connection in a room.
type Member struct {
	ConnectionID string `json:"connectionId"`
	ClientID     string `json:"clientId"`
}

// Room is a routing group owned by one client.
type Room struct {
	Owner string

	// members maps connection id to the client id it authenticated as.
	members map[string]string
}

// Registry holds every room.
type Registry struct {
	rooms        map[string]*Room
	descriptions map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		descriptions: make(map[string]string),
	}
}

// CreateRoom creates the room owned by owner. Creating a room that
// already exists leaves it untouched and reports false.
func (r *Registry) CreateRoom(owner string) bool {
	if _, exists := r.rooms[owner]; exists {
		return false
	}
	r.rooms[owner] = &Room{Owner: owner, members: make(map[string]string)}
	return true
}

// AddClientToRoom records that connectionID, authenticated as
// clientID, is in roomName. Re-adding a member is a no-op.
func (r *Registry) AddClientToRoom(roomName, connectionID, clientID string) error {
	room, exists := r.rooms[roomName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomName)
	}
	room.members[connectionID] = clientID
	return nil
}

// RemoveConnection drops connectionID from roomName. Missing rooms and
// members are ignored.
func (r *Registry) RemoveConnection(roomName, connectionID string) {
	if room, exists := r.rooms[roomName]; exists {
		delete(room.members, connectionID)
	}
}

// ReplaceConnections makes connectionID the only member of roomName.
// Used when a client reconnects: connections from before the drop are
// dead and must not count as members.
func (r *Registry) ReplaceConnections(roomName, connectionID, clientID string) error {
	room, exists := r.rooms[roomName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomName)
	}
	room.members = map[string]string{connectionID: clientID}
	return nil
}

// DeleteRoom removes roomName and reports whether it existed.
func (r *Registry) DeleteRoom(roomName string) bool {
	if _, exists := r.rooms[roomName]; !exists {
		return false
	}
	delete(r.rooms, roomName)
	return true
}

// Exists reports whether roomName exists.
func (r *Registry) Exists(roomName string) bool {
	_, exists := r.rooms[roomName]
	return exists
}

// IsClientInRoom reports whether any connection authenticated as
// clientID is a member of roomName.
func (r *Registry) IsClientInRoom(clientID, roomName string) bool {
	room, exists := r.rooms[roomName]
	if !exists {
		return false
	}
	for _, memberClientID := range room.members {
		if memberClientID == clientID {
			return true
		}
	}
	return false
}

// Members returns roomName's members sorted by client then connection.
func (r *Registry) Members(roomName string) ([]Member, error) {
	room, exists := r.rooms[roomName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomName)
	}
	members := make([]Member, 0, len(room.members))
	for connectionID, clientID := range room.members {
		members = append(members, Member{ConnectionID: connectionID, ClientID: clientID})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].ClientID != members[j].ClientID {
			return members[i].ClientID < members[j].ClientID
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
	return members, nil
}

// Rooms returns every room name, sorted.
func (r *Registry) Rooms() []string {
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of rooms.
func (r *Registry) Len() int { return len(r.rooms) }

// SetClientDescription stores a free-text label for clientID.
func (r *Registry) SetClientDescription(clientID, description string) {
	r.descriptions[clientID] = description
}

// GetClientDescription returns clientID's label, or "".
func (r *Registry) GetClientDescription(clientID string) string {
	return r.descriptions[clientID]
}
