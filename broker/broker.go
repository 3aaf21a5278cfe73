// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/clock"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/metrics"
	"github.com/bureau-foundation/hostrelay/room"
	"github.com/bureau-foundation/hostrelay/trust"
)

// Relay delivers LLM traffic. Attach registers the response handlers
// on a new llm-channel socket; Forward sends an accepted request to
// the target's connections and returns how many received it.
type Relay interface {
	Attach(socket *hub.Socket)
	Forward(target string, request json.RawMessage) int
}

// Config configures a Broker. Hub, Trust, Rooms, Credentials and
// Settings are required.
type Config struct {
	Hub         *hub.Server
	Trust       *trust.Registry
	Rooms       *room.Registry
	Credentials *credential.Store

	// Requests is the correlation table. Nil creates one from
	// Settings.Requests.
	Requests *RequestTable

	// Functions serves function calls addressed to the server. Nil
	// means an empty registry.
	Functions *FunctionRegistry

	// Relay forwards accepted LLM requests. Nil records them without
	// forwarding.
	Relay Relay

	Settings *config.Settings

	// SettingsPath is where settings changes are saved. Empty keeps
	// changes in memory.
	SettingsPath string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Broker is the relay's state and channel handlers.
type Broker struct {
	server       *hub.Server
	credentials  *credential.Store
	requests     *RequestTable
	functions    *FunctionRegistry
	relay        Relay
	settingsPath string
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below, and the trust and room registries.
	mu       sync.Mutex
	trust    *trust.Registry
	rooms    *room.Registry
	settings *config.Settings

	// auth tracks auth-channel connections that passed the trust check,
	// by socket id.
	auth map[string]*authConnection

	defaultSupervisor *Supervisor
	authSupervisor    *Supervisor

	// saveMu orders settings writes.
	saveMu sync.Mutex
}

// authConnection is an auth-channel connection by a trusted client id.
// tempRoom is set when its key was rejected.
type authConnection struct {
	socket   *hub.Socket
	clientID string
	tempRoom string
}

// New builds a broker and installs its handlers on every channel of
// config.Hub.
func New(config Config) (*Broker, error) {
	switch {
	case config.Hub == nil:
		return nil, errors.New("broker: Hub is required")
	case config.Trust == nil:
		return nil, errors.New("broker: Trust is required")
	case config.Rooms == nil:
		return nil, errors.New("broker: Rooms is required")
	case config.Credentials == nil:
		return nil, errors.New("broker: Credentials is required")
	case config.Settings == nil:
		return nil, errors.New("broker: Settings is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Functions == nil {
		config.Functions = NewFunctionRegistry(config.Logger)
	}
	if config.Requests == nil {
		config.Requests = NewRequestTable(RequestTableConfig{
			TTL:        config.Settings.Requests.TTL,
			MaxPending: config.Settings.Requests.MaxPending,
			Clock:      config.Clock,
			Logger:     config.Logger,
			Metrics:    config.Metrics,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		server:       config.Hub,
		credentials:  config.Credentials,
		requests:     config.Requests,
		functions:    config.Functions,
		relay:        config.Relay,
		settingsPath: config.SettingsPath,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		trust:        config.Trust,
		rooms:        config.Rooms,
		settings:     config.Settings,
		auth:         make(map[string]*authConnection),
	}

	b.defaultSupervisor = newSupervisor(supervisorConfig{
		channel:     schema.ChannelDefault,
		lock:        &b.mu,
		clock:       b.clock,
		schedule:    b.reconnectSchedule,
		reconnected: b.monitorReconnected,
		expired: func(clientID string) {
			b.logger.Info("monitor did not return", "client_id", clientID)
		},
		logger:  b.logger,
		metrics: b.metrics,
	})
	b.authSupervisor = newSupervisor(supervisorConfig{
		channel:     schema.ChannelAuth,
		lock:        &b.mu,
		clock:       b.clock,
		schedule:    b.reconnectSchedule,
		reconnected: b.clientReconnected,
		expired:     b.clientExpired,
		logger:      b.logger,
		metrics:     b.metrics,
	})
	b.metrics.SetRooms(b.rooms.Len())

	b.server.Of(schema.ChannelDefault).OnConnection(b.handleDefaultConnection)
	b.server.Of(schema.ChannelAuth).OnConnection(b.handleAuthConnection)
	b.server.Of(schema.ChannelClients).OnConnection(b.handleAdminConnection)
	b.server.Of(schema.ChannelLLM).OnConnection(b.handleLLMConnection)
	b.server.Of(schema.ChannelHost).OnConnection(b.handleHostConnection)
	b.server.Of(schema.ChannelFunctionCall).OnConnection(b.handleFunctionCallConnection)
	return b, nil
}

// Start begins background work: the correlation table sweep.
func (b *Broker) Start() {
	b.requests.Start()
}

// Close stops background work and abandons in-flight function calls.
// Grace periods in progress end without teardown.
func (b *Broker) Close() {
	b.cancel()
	b.requests.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultSupervisor.Stop()
	b.authSupervisor.Stop()
}

// Requests returns the correlation table.
func (b *Broker) Requests() *RequestTable { return b.requests }

// Functions returns the function registry.
func (b *Broker) Functions() *FunctionRegistry { return b.functions }

// ReconnectPending reports whether clientID is in an auth-channel
// grace period.
func (b *Broker) ReconnectPending(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authSupervisor.Active(clientID)
}

// Settings returns a copy of the current settings.
func (b *Broker) Settings() *config.Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings.Clone()
}

func (b *Broker) reconnectSchedule() (int, time.Duration) {
	return b.settings.Reconnect.Attempts, b.settings.Reconnect.Delay
}

// requireClientID drops a connection whose handshake has no client
// id. Every channel routes by client id, so such a connection can do
// nothing useful.
func (b *Broker) requireClientID(socket *hub.Socket) bool {
	if socket.ClientID() != "" {
		return true
	}
	b.logger.Warn("connection without client id, disconnecting",
		"channel", socket.Namespace().Name(), "socket_id", socket.ID())
	socket.Emit(schema.EventError, newError(KindStructural, "", "Missing clientId in handshake.").Wire())
	socket.Disconnect()
	return false
}

// track counts the connection in the per-channel gauge until it
// closes.
func (b *Broker) track(socket *hub.Socket) {
	channel := socket.Namespace().Name()
	b.metrics.ConnectionOpened(channel)
	socket.OnDisconnect(func(reason string) {
		b.metrics.ConnectionClosed(channel)
		b.logger.Debug("connection closed",
			"channel", channel, "client_id", socket.ClientID(), "reason", reason)
	})
}

// canSendMessageLocked reports whether source may address target:
// always for the server sentinel, always for trusted hosts, and
// otherwise only for a room source is a member of.
func (b *Broker) canSendMessageLocked(source, target string) bool {
	return target == schema.TargetServer ||
		b.trust.IsTrustedHost(source) ||
		b.rooms.IsClientInRoom(source, target)
}

// CanSendMessage reports whether source may address target.
func (b *Broker) CanSendMessage(source, target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canSendMessageLocked(source, target)
}

// saveSettings writes snapshot to the settings path. A failure is
// logged and the in-memory settings stay in force.
func (b *Broker) saveSettings(snapshot *config.Settings) {
	if b.settingsPath == "" {
		return
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if err := snapshot.Save(b.settingsPath); err != nil {
		b.logger.Error("saving settings failed, keeping in-memory settings",
			"kind", KindPersistence, "path", b.settingsPath, "error", err)
		return
	}
	b.logger.Info("settings saved", "path", b.settingsPath)
}

// addRoomSettingLocked records clientID in the settings room list.
func (b *Broker) addRoomSettingLocked(clientID string) {
	if !slices.Contains(b.settings.Rooms, clientID) {
		b.settings.Rooms = append(b.settings.Rooms, clientID)
	}
}
