// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/trust"
)

func (b *Broker) handleHostConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		return
	}
	b.track(socket)
	// Teardown notices are addressed to each host's room.
	socket.Join(socket.ClientID())
	socket.On(schema.EventIdentifyHost, b.handleIdentifyHost)
	socket.On(schema.EventClientSettings, b.handleClientSettings)
}

// IdentifyHost makes clientID a trusted host and returns its new key.
// The key is returned only this once; a host that is already trusted
// gets a warning instead.
func (b *Broker) IdentifyHost(clientID, description string) schema.KeyResponse {
	logger := b.logger.With("channel", schema.ChannelHost, "client_id", clientID)

	b.mu.Lock()
	kind := b.trust.Kind(clientID)
	prefix := b.settings.Hosts.IDPrefix
	b.mu.Unlock()

	switch {
	case kind == trust.Host:
		logger.Info("host already identified, not reissuing its key")
		return schema.KeyResponse{Status: schema.StatusWarning, Message: "SillyTavern already connected."}
	case kind == trust.Extension:
		return schema.KeyResponse{Status: schema.StatusError,
			Message: fmt.Sprintf("Client %s is a trusted extension.", clientID)}
	}
	if err := trust.ValidateClientID(clientID); err != nil {
		return schema.KeyResponse{Status: schema.StatusError, Message: err.Error()}
	}
	if !strings.HasPrefix(clientID, prefix) {
		return schema.KeyResponse{Status: schema.StatusError,
			Message: fmt.Sprintf("Host ids must start with %s.", prefix)}
	}

	key := credential.NewKey()
	hash, err := secrethash.Hash(key)
	if err != nil {
		logger.Error("hashing host key failed", "error", err)
		return schema.KeyResponse{Status: schema.StatusError, Message: "Could not issue a key."}
	}

	b.mu.Lock()
	if err := b.trust.AddHost(clientID); err != nil {
		b.mu.Unlock()
		return schema.KeyResponse{Status: schema.StatusError, Message: err.Error()}
	}
	b.credentials.StoreHashedKey(clientID, hash)
	b.addRoomSettingLocked(clientID)
	snapshot := b.settings.Clone()
	b.mu.Unlock()

	if err := trust.WriteRecord(snapshot.SettingsDir, clientID, description); err != nil {
		logger.Error("writing trust record failed, host is trusted until restart",
			"kind", KindPersistence, "error", err)
	}
	b.saveSettings(snapshot)
	logger.Info("host identified", "fingerprint", credential.Fingerprint(key))
	return schema.KeyResponse{Status: schema.StatusOK, Key: key}
}

func (b *Broker) handleIdentifyHost(event *hub.Event) {
	var request schema.ClientRequest
	if err := event.Decode(&request); err != nil || request.ClientID == "" {
		event.Ack(schema.KeyResponse{Status: schema.StatusError, Message: "clientId is required."})
		return
	}
	description := ""
	if socket := event.Socket(); socket.ClientID() == request.ClientID {
		description = socket.Handshake().Desc
	}
	event.Ack(b.IdentifyHost(request.ClientID, description))
}

// ApplyClientSettings merges settings pushed by a trusted host and
// saves them. Grace periods already running keep the timing they
// started with.
func (b *Broker) ApplyClientSettings(source string, update config.ClientSettings) error {
	b.mu.Lock()
	if !b.trust.IsTrustedHost(source) {
		b.mu.Unlock()
		return newError(KindAuthorization, "", "Unauthorized: only a trusted host can send client settings.")
	}
	if err := b.settings.Apply(update); err != nil {
		b.mu.Unlock()
		return newError(KindStructural, "", "Invalid client settings: %v", err)
	}
	snapshot := b.settings.Clone()
	b.mu.Unlock()

	b.logger.Info("client settings applied",
		"client_id", source,
		"reconnect_attempts", snapshot.Reconnect.Attempts,
		"reconnect_delay", snapshot.Reconnect.Delay,
		"remember_me", snapshot.RememberMe,
	)
	b.saveSettings(snapshot)
	return nil
}

func (b *Broker) handleClientSettings(event *hub.Event) {
	socket := event.Socket()
	var request struct {
		config.ClientSettings
		RequestID string `json:"requestId"`
	}
	if err := event.Decode(&request); err != nil {
		b.rejectEvent(event, newError(KindStructural, "", "Malformed client settings."))
		return
	}

	if err := b.ApplyClientSettings(socket.ClientID(), request.ClientSettings); err != nil {
		var brokerErr *Error
		if !errors.As(err, &brokerErr) {
			brokerErr = newError(KindStructural, "", "%v", err)
		}
		brokerErr.RequestID = request.RequestID
		b.logger.Warn("client settings rejected", "client_id", socket.ClientID(), "error", err)
		b.rejectEvent(event, brokerErr)
		return
	}
	event.Ack(schema.StatusResponse{Status: schema.StatusOK})
}

// rejectEvent reports err to the sender as an ERROR event, and in the
// ack when one was requested.
func (b *Broker) rejectEvent(event *hub.Event, err *Error) {
	event.Socket().Emit(schema.EventError, err.Wire())
	event.Ack(schema.StatusResponse{Status: schema.StatusError, Message: err.Message})
}
