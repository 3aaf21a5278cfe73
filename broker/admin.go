// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/codec"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/lib/service"
	"github.com/bureau-foundation/hostrelay/lib/version"
	"github.com/bureau-foundation/hostrelay/trust"
)

// GenerateClientKey issues a new key for clientID, replacing any
// previous one, and returns it. Hosts are stored hashed, like every
// other host key.
func (b *Broker) GenerateClientKey(clientID string) (string, error) {
	if err := trust.ValidateClientID(clientID); err != nil {
		return "", err
	}
	b.mu.Lock()
	isHost := b.trust.IsTrustedHost(clientID)
	b.mu.Unlock()

	if !isHost {
		return b.credentials.GenerateAndStoreClientKey(clientID), nil
	}
	key := credential.NewKey()
	hash, err := secrethash.Hash(key)
	if err != nil {
		return "", fmt.Errorf("hashing key for %s: %w", clientID, err)
	}
	b.credentials.StoreHashedKey(clientID, hash)
	return key, nil
}

// RemoveClientKey deletes clientID's key.
func (b *Broker) RemoveClientKey(clientID string) error {
	return b.credentials.RemoveClientKey(clientID)
}

// ClientList returns every client with a stored key and its
// description, sorted by id.
func (b *Broker) ClientList() []schema.ClientInfo {
	ids := b.credentials.ClientIDs()
	b.mu.Lock()
	defer b.mu.Unlock()
	clients := make([]schema.ClientInfo, 0, len(ids))
	for _, id := range ids {
		clients = append(clients, schema.ClientInfo{ID: id, Description: b.rooms.GetClientDescription(id)})
	}
	return clients
}

// ClientsInRoom returns the distinct clients connected in roomName.
// A missing room has no clients.
func (b *Broker) ClientsInRoom(roomName string) []schema.ClientInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, err := b.rooms.Members(roomName)
	if err != nil {
		return []schema.ClientInfo{}
	}
	clients := make([]schema.ClientInfo, 0, len(members))
	for _, member := range members {
		if len(clients) > 0 && clients[len(clients)-1].ID == member.ClientID {
			continue
		}
		clients = append(clients, schema.ClientInfo{
			ID:          member.ClientID,
			Description: b.rooms.GetClientDescription(member.ClientID),
		})
	}
	return clients
}

// RoomInfo describes one room for the admin socket.
type RoomInfo struct {
	Name    string   `cbor:"name"`
	Clients []string `cbor:"clients"`
}

// RoomList returns every room with its connected clients.
func (b *Broker) RoomList() []RoomInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := b.rooms.Rooms()
	rooms := make([]RoomInfo, 0, len(names))
	for _, name := range names {
		info := RoomInfo{Name: name, Clients: []string{}}
		members, _ := b.rooms.Members(name)
		for _, member := range members {
			if !slices.Contains(info.Clients, member.ClientID) {
				info.Clients = append(info.Clients, member.ClientID)
			}
		}
		rooms = append(rooms, info)
	}
	return rooms
}

// Status is a point-in-time summary of the broker.
type Status struct {
	Version           string         `cbor:"version"`
	Rooms             int            `cbor:"rooms"`
	TrustedHosts      []string       `cbor:"trusted_hosts"`
	TrustedExtensions []string       `cbor:"trusted_extensions"`
	PendingRequests   int            `cbor:"pending_requests"`
	GracePeriods      int            `cbor:"grace_periods"`
	Connections       map[string]int `cbor:"connections"`
	Functions         []string       `cbor:"functions"`
}

// Status summarizes the broker's state.
func (b *Broker) Status() Status {
	connections := make(map[string]int, len(schema.Channels))
	for _, channel := range schema.Channels {
		connections[channel] = len(b.server.Of(channel).Sockets())
	}
	status := Status{
		Version:         version.Info(),
		PendingRequests: b.requests.Len(),
		Connections:     connections,
		Functions:       b.functions.Names(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	status.Rooms = b.rooms.Len()
	status.TrustedHosts = b.trust.Hosts()
	status.TrustedExtensions = b.trust.Extensions()
	status.GracePeriods = b.defaultSupervisor.Len() + b.authSupervisor.Len()
	return status
}

// adminAllowed reports whether socket may use the admin channel.
// Configured admin ids and trusted extensions may, hosts may not, and
// the caller must prove the id: either it holds an admitted auth
// connection or its handshake carries the id's current key.
func (b *Broker) adminAllowed(socket *hub.Socket) bool {
	clientID := socket.ClientID()
	b.mu.Lock()
	eligible := !b.trust.IsTrustedHost(clientID) &&
		(slices.Contains(b.settings.Admin.ClientIDs, clientID) || b.trust.IsTrustedExtension(clientID))
	admitted := eligible && b.admittedLocked(clientID)
	b.mu.Unlock()

	if !eligible {
		return false
	}
	return admitted || b.credentials.IsValidClientKey(clientID, socket.Handshake().Key)
}

// admittedLocked reports whether clientID has a live auth-channel
// connection that passed key validation.
func (b *Broker) admittedLocked(clientID string) bool {
	for _, connection := range b.auth {
		if connection.clientID == clientID && connection.tempRoom == "" && connection.socket.Connected() {
			return true
		}
	}
	return false
}

func (b *Broker) handleAdminConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		return
	}
	b.track(socket)
	b.logger.Info("admin connection", "channel", schema.ChannelClients, "client_id", socket.ClientID())

	socket.On(schema.EventGetClientKey, b.admin(func(event *hub.Event) {
		keys := b.credentials.GetAllClientKeys()
		if len(keys) == 0 {
			event.Ack(schema.KeyTableResponse{Status: schema.StatusError, Message: "No keys in storage."})
			return
		}
		event.Ack(schema.KeyTableResponse{Status: schema.StatusOK, Keys: keys})
	}))

	socket.On(schema.EventGenerateClientKey, b.admin(func(event *hub.Event) {
		var request schema.ClientRequest
		if err := event.Decode(&request); err != nil {
			event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: "clientId is required."})
			return
		}
		key, err := b.GenerateClientKey(request.ClientID)
		if err != nil {
			event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: err.Error()})
			return
		}
		event.Ack(schema.KeyResponse{Status: schema.StatusOK, Key: key})
	}))

	socket.On(schema.EventRemoveClientKey, b.admin(func(event *hub.Event) {
		var request schema.ClientRequest
		if err := event.Decode(&request); err != nil {
			event.Ack(schema.StatusResponse{Status: schema.StatusError, Message: "clientId is required."})
			return
		}
		if err := b.RemoveClientKey(request.ClientID); err != nil {
			event.Ack(schema.StatusResponse{Status: schema.StatusError, Message: err.Error()})
			return
		}
		event.Ack(schema.StatusResponse{Status: schema.StatusOK})
	}))

	socket.On(schema.EventGetClientList, b.admin(func(event *hub.Event) {
		event.Ack(b.ClientList())
	}))

	socket.On(schema.EventGetClientsInRoom, b.admin(func(event *hub.Event) {
		var roomName string
		if err := event.Decode(&roomName); err != nil {
			event.Ack(schema.StatusResponse{Status: schema.StatusError, Message: "room name is required."})
			return
		}
		event.Ack(b.ClientsInRoom(roomName))
	}))
}

// admin wraps an admin-channel handler with the caller check.
func (b *Broker) admin(handler hub.Handler) hub.Handler {
	return func(event *hub.Event) {
		if !b.adminAllowed(event.Socket()) {
			b.logger.Warn("unauthorized admin request",
				"channel", schema.ChannelClients, "client_id", event.Socket().ClientID(), "event", event.Name)
			event.Ack(schema.StatusResponse{Status: schema.StatusError, Message: "Unauthorized"})
			return
		}
		handler(event)
	}
}

// RegisterAdminActions installs the admin socket actions on server.
// Access to the socket file is the only check.
func (b *Broker) RegisterAdminActions(server *service.SocketServer) {
	server.Handle("generate-client-key", func(ctx context.Context, raw []byte) (any, error) {
		clientID, err := decodeClientID(raw)
		if err != nil {
			return nil, err
		}
		key, err := b.GenerateClientKey(clientID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"clientId": clientID, "key": key}, nil
	})
	server.Handle("remove-client-key", func(ctx context.Context, raw []byte) (any, error) {
		clientID, err := decodeClientID(raw)
		if err != nil {
			return nil, err
		}
		return nil, b.RemoveClientKey(clientID)
	})
	server.Handle("list-clients", func(ctx context.Context, raw []byte) (any, error) {
		return b.ClientList(), nil
	})
	server.Handle("clients-in-room", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Room string `cbor:"room"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		if request.Room == "" {
			return nil, errors.New("missing required field: room")
		}
		return b.ClientsInRoom(request.Room), nil
	})
	server.Handle("list-rooms", func(ctx context.Context, raw []byte) (any, error) {
		return b.RoomList(), nil
	})
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return b.Status(), nil
	})
}

func decodeClientID(raw []byte) (string, error) {
	var request struct {
		ClientID string `cbor:"clientId"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return "", fmt.Errorf("decoding request: %w", err)
	}
	if request.ClientID == "" {
		return "", errors.New("missing required field: clientId")
	}
	return request.ClientID, nil
}
