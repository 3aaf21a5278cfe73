// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"strings"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/trust"
)

// Auth outcomes, as recorded in metrics.
const (
	authAccepted   = "accepted"
	authKeyIssued  = "key_issued"
	authTempRoom   = "temp_room"
	authUntrusted  = "untrusted"
	authStructural = "structural"
)

func (b *Broker) handleDefaultConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		return
	}
	b.track(socket)

	handshake := socket.Handshake()
	logger := b.logger.With("channel", schema.ChannelDefault, "client_id", handshake.ClientID)

	switch {
	case handshake.ClientType == schema.ClientTypeMonitor:
		socket.Join(schema.MonitorRoom)
		b.mu.Lock()
		b.defaultSupervisor.Cancel(handshake.ClientID)
		b.mu.Unlock()
		socket.OnDisconnect(func(string) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.defaultSupervisor.Start(handshake.ClientID, socket.ID())
		})
		logger.Info("monitor connected")
	case handshake.ClientType == schema.ClientTypeExtension:
		// Lets the client be found by id on this channel. Rooms proper
		// are managed on the auth channel.
		socket.Join(handshake.ClientID)
		logger.Info("extension connected")
	case strings.EqualFold(handshake.ClientType, schema.ClientTypeExtensionLogin):
		logger.Info("extension logged in")
	case strings.EqualFold(handshake.ClientType, schema.ClientTypeExtensionCheckRememberMe):
		logger.Info("extension checking remember-me")
	default:
		logger.Debug("connection with unknown client type", "client_type", handshake.ClientType)
	}
}

// monitorReconnected reports whether another monitor connection with
// clientID is live on the default channel.
func (b *Broker) monitorReconnected(clientID, droppedConnection string) bool {
	for _, socket := range b.server.Of(schema.ChannelDefault).Sockets() {
		handshake := socket.Handshake()
		if handshake.ClientID == clientID && handshake.ClientType == schema.ClientTypeMonitor &&
			socket.ID() != droppedConnection && socket.Connected() {
			return true
		}
	}
	return false
}

func (b *Broker) handleAuthConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		b.metrics.Auth(authStructural)
		return
	}
	b.track(socket)

	handshake := socket.Handshake()
	clientID := handshake.ClientID
	logger := b.logger.With("channel", schema.ChannelAuth, "client_id", clientID, "socket_id", socket.ID())

	b.mu.Lock()
	kind := b.trust.Kind(clientID)
	b.mu.Unlock()

	if kind == trust.Untrusted {
		logger.Warn("untrusted client, disconnecting", "client_type", handshake.ClientType)
		b.metrics.Auth(authUntrusted)
		socket.Emit(schema.EventError, newError(KindTrust, "", "Client is not trusted.").Wire())
		socket.Disconnect()
		return
	}

	socket.OnDisconnect(func(reason string) { b.authDisconnected(socket, reason) })
	socket.On(schema.EventGetClientKey, b.handleAuthGetClientKey)
	socket.On(schema.EventLogin, b.handleLogin)

	if kind == trust.Host && handshake.Key == schema.GetKeySentinel {
		b.issueHostKey(socket, logger)
		return
	}
	b.authenticate(socket, kind, logger)
}

// authenticate validates the handshake key and either admits the
// connection to its room or parks it in a temporary room.
func (b *Broker) authenticate(socket *hub.Socket, kind trust.Kind, logger *slog.Logger) {
	clientID := socket.ClientID()
	key := socket.Handshake().Key

	if kind == trust.Host {
		// bcrypt runs unlocked; the stored hash is checked again after.
		record, stored := b.credentials.GetClientKey(clientID)
		valid := stored && key != "" && record.Hashed && secrethash.Compare(record.Key, key)

		b.mu.Lock()
		defer b.mu.Unlock()
		current, stillStored := b.credentials.GetClientKey(clientID)
		if valid && (!stillStored || current.Key != record.Key || !b.trust.IsTrustedHost(clientID)) {
			logger.Info("host key changed during validation, rejecting")
			valid = false
		}
		if !valid {
			b.assignTempRoomLocked(socket, logger)
			return
		}
		b.admitLocked(socket, logger)
		b.metrics.Auth(authAccepted)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.credentials.IsValidClientKey(clientID, key) {
		b.assignTempRoomLocked(socket, logger)
		return
	}
	b.admitLocked(socket, logger)
	b.metrics.Auth(authAccepted)

	// Each successful authentication uses up the extension's key.
	next := b.credentials.GenerateAndStoreClientKey(clientID)
	socket.Emit(schema.EventKeyRotated, schema.KeyDelivery{Key: next, ClientID: clientID})
}

// issueHostKey serves a trusted host's first-contact request: it
// issues a fresh key, admits the connection, and sends the key back.
func (b *Broker) issueHostKey(socket *hub.Socket, logger *slog.Logger) {
	clientID := socket.ClientID()
	key := credential.NewKey()
	hash, err := secrethash.Hash(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		logger.Error("hashing issued host key failed", "error", err)
		b.assignTempRoomLocked(socket, logger)
		return
	}
	if !b.trust.IsTrustedHost(clientID) {
		logger.Warn("host trust changed while issuing key, disconnecting")
		socket.Emit(schema.EventError, newError(KindTrust, "", "Client is not trusted.").Wire())
		socket.Disconnect()
		return
	}

	b.credentials.StoreHashedKey(clientID, hash)
	b.admitLocked(socket, logger)
	b.metrics.Auth(authKeyIssued)
	socket.Emit(schema.EventMessage, schema.KeyDelivery{
		Type:     schema.EventGetClientKey,
		Key:      key,
		ClientID: clientID,
	})
	logger.Info("issued key to host on first contact", "fingerprint", credential.Fingerprint(key))
}

// admitLocked puts an authenticated connection in its client's room
// and ends any grace period the client was in.
func (b *Broker) admitLocked(socket *hub.Socket, logger *slog.Logger) {
	clientID := socket.ClientID()
	if b.rooms.CreateRoom(clientID) {
		b.metrics.SetRooms(b.rooms.Len())
	}
	// The room was just ensured, so adding cannot fail.
	b.rooms.AddClientToRoom(clientID, socket.ID(), clientID)
	if description := socket.Handshake().Desc; description != "" {
		b.rooms.SetClientDescription(clientID, description)
	}
	socket.Join(clientID)
	b.auth[socket.ID()] = &authConnection{socket: socket, clientID: clientID}

	if b.authSupervisor.Cancel(clientID) {
		b.metrics.Reconnect("reconnected")
		logger.Info("client reconnected during grace period")
	}
	logger.Info("client authenticated", "room", clientID)
}

// assignTempRoomLocked parks a connection whose key was rejected. The
// connection stays open but is never added to a durable room.
func (b *Broker) assignTempRoomLocked(socket *hub.Socket, logger *slog.Logger) {
	roomID := TempRoomID(socket.ClientID())
	socket.Join(roomID)
	b.auth[socket.ID()] = &authConnection{socket: socket, clientID: socket.ClientID(), tempRoom: roomID}
	b.metrics.Auth(authTempRoom)
	socket.Emit(schema.EventTempRoomAssigned, schema.TempRoomAssigned{RoomID: roomID})
	logger.Warn("invalid key, assigned temporary room", "room", roomID)
}

// TempRoomID returns the temporary room of a client whose key was
// rejected.
func TempRoomID(clientID string) string {
	return schema.TempRoomPrefix + clientID
}

func (b *Broker) authDisconnected(socket *hub.Socket, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	connection, exists := b.auth[socket.ID()]
	if !exists {
		return
	}
	delete(b.auth, socket.ID())
	logger := b.logger.With("channel", schema.ChannelAuth, "client_id", connection.clientID, "reason", reason)

	if connection.tempRoom != "" {
		logger.Info("temporary connection closed", "room", connection.tempRoom)
		return
	}
	b.rooms.RemoveConnection(connection.clientID, socket.ID())
	if !b.trust.IsTrusted(connection.clientID) {
		return
	}
	b.authSupervisor.Start(connection.clientID, socket.ID())
}

// clientReconnected reports whether clientID has another live
// auth-channel connection. A connection parked in a temporary room
// keeps the client's room alive but is not listed in it.
func (b *Broker) clientReconnected(clientID, droppedConnection string) bool {
	found := false
	for socketID, connection := range b.auth {
		if connection.clientID != clientID || socketID == droppedConnection || !connection.socket.Connected() {
			continue
		}
		found = true
		if connection.tempRoom != "" {
			continue
		}
		if b.rooms.CreateRoom(clientID) {
			b.metrics.SetRooms(b.rooms.Len())
		}
		b.rooms.AddClientToRoom(clientID, socketID, clientID)
	}
	return found
}

// clientExpired tears down a client that did not return: its room is
// deleted and every trusted host is told.
func (b *Broker) clientExpired(clientID string) {
	if b.rooms.DeleteRoom(clientID) {
		b.metrics.SetRooms(b.rooms.Len())
	}
	notice := newError(KindRouting, "",
		"Client %s disconnected and failed to reconnect. Room deleted.", clientID).Wire()
	hosts := b.server.Of(schema.ChannelHost)
	for _, host := range b.trust.Hosts() {
		hosts.To(host).Emit(schema.EventError, notice)
	}
	b.logger.Warn("room deleted after failed reconnect", "client_id", clientID, "hosts_notified", len(b.trust.Hosts()))
}

func (b *Broker) handleAuthGetClientKey(event *hub.Event) {
	socket := event.Socket()
	var request schema.ClientRequest
	if err := event.Decode(&request); err != nil || request.ClientID == "" {
		event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: "clientId is required."})
		return
	}

	b.mu.Lock()
	connection := b.auth[socket.ID()]
	allowed := connection != nil && connection.tempRoom == "" && b.trust.IsTrustedHost(connection.clientID)
	b.mu.Unlock()
	if !allowed {
		b.logger.Warn("refused client key request",
			"channel", schema.ChannelAuth, "client_id", socket.ClientID(), "target", request.ClientID)
		event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: "Unauthorized"})
		return
	}

	record, exists := b.credentials.GetClientKey(request.ClientID)
	if !exists || record.Hashed {
		event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: "Client key not found."})
		return
	}
	event.Ack(schema.KeyResponse{Status: schema.StatusOK, Key: record.Key})
}

// handleLogin checks a host master password against its stored hash.
func (b *Broker) handleLogin(event *hub.Event) {
	var request schema.LoginRequest
	if err := event.Decode(&request); err != nil {
		event.Ack(schema.LoginResponse{Message: "Invalid login request."})
		return
	}
	clientID := request.ClientID
	if clientID == "" {
		clientID = event.Socket().ClientID()
	}

	b.mu.Lock()
	hash, exists := b.trust.HostPassword(clientID)
	b.mu.Unlock()

	switch {
	case !exists:
		event.Ack(schema.LoginResponse{Message: "Password not set on server."})
	case !secrethash.Compare(hash, request.Password):
		b.logger.Warn("incorrect host password", "client_id", clientID)
		event.Ack(schema.LoginResponse{Message: "Incorrect password."})
	default:
		event.Ack(schema.LoginResponse{Success: true})
	}
}
