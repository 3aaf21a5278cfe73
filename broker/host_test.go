// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/trust"
)

func withSettingsPath(path string) fixtureOption {
	return func(c *Config) { c.SettingsPath = path }
}

func TestIdentifyHost(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.yaml")
	f := newFixture(t, withSettingsPath(settingsPath))
	const newHost = "SillyTavern-laptop"
	client := f.connect(t, schema.ChannelHost, hub.Handshake{ClientID: newHost, Desc: "Laptop"})

	var response schema.KeyResponse
	client.CallInto(schema.EventIdentifyHost, schema.ClientRequest{ClientID: newHost}, &response)
	if response.Status != schema.StatusOK || response.Key == "" {
		t.Fatalf("response = %+v", response)
	}
	if !f.trust.IsTrustedHost(newHost) {
		t.Error("host not trusted after identifying")
	}
	record, exists := f.credentials.GetClientKey(newHost)
	if !exists || !record.Hashed || !secrethash.Compare(record.Key, response.Key) {
		t.Errorf("stored record = %+v", record)
	}

	settings := f.broker.Settings()
	if !slices.Contains(settings.Rooms, newHost) {
		t.Errorf("settings rooms = %v", settings.Rooms)
	}
	saved, err := config.LoadFile(settingsPath)
	if err != nil {
		t.Fatalf("loading saved settings: %v", err)
	}
	if !slices.Contains(saved.Rooms, newHost) {
		t.Errorf("saved rooms = %v", saved.Rooms)
	}
	data, err := os.ReadFile(filepath.Join(settings.SettingsDir, newHost+".json"))
	if err != nil {
		t.Fatalf("reading trust record: %v", err)
	}
	parsed, err := trust.ParseRecord(data)
	if err != nil {
		t.Fatalf("parsing trust record: %v", err)
	}
	if parsed.ClientID != newHost || !parsed.IsTrust || parsed.Description != "Laptop" {
		t.Errorf("trust record = %+v", parsed)
	}

	// Identifying again does not reissue the key.
	response = schema.KeyResponse{}
	client.CallInto(schema.EventIdentifyHost, schema.ClientRequest{ClientID: newHost}, &response)
	if response.Status != schema.StatusWarning || response.Key != "" {
		t.Errorf("second response = %+v", response)
	}
	again, _ := f.credentials.GetClientKey(newHost)
	if again.Key != record.Key {
		t.Error("second identification replaced the key")
	}
}

func TestIdentifyHostRejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		clientID string
	}{
		{"trusted extension", testExtension},
		{"wrong prefix", "laptop"},
		{"path separator", "SillyTavern/../x"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := f.broker.IdentifyHost(test.clientID, "")
			if response.Status != schema.StatusError || response.Key != "" {
				t.Errorf("response = %+v", response)
			}
			if test.clientID != testExtension && f.trust.IsTrusted(test.clientID) {
				t.Error("rejected id became trusted")
			}
		})
	}
}

func TestClientSettings(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.yaml")
	f := newFixture(t, withSettingsPath(settingsPath))
	host := f.connect(t, schema.ChannelHost, hub.Handshake{ClientID: testHost})

	var response schema.StatusResponse
	host.CallInto(schema.EventClientSettings,
		map[string]any{"reconnectAttempts": 7, "reconnectDelay": 250, "Remember_me": true}, &response)
	if response.Status != schema.StatusOK {
		t.Fatalf("response = %+v", response)
	}
	settings := f.broker.Settings()
	if settings.Reconnect.Attempts != 7 || settings.Reconnect.Delay != 250*time.Millisecond || !settings.RememberMe {
		t.Errorf("settings = %+v", settings.Reconnect)
	}
	saved, err := config.LoadFile(settingsPath)
	if err != nil {
		t.Fatalf("loading saved settings: %v", err)
	}
	if saved.Reconnect.Attempts != 7 {
		t.Errorf("saved attempts = %d", saved.Reconnect.Attempts)
	}

	// Invalid values change nothing.
	response = schema.StatusResponse{}
	host.CallInto(schema.EventClientSettings, map[string]any{"reconnectDelay": 0, "requestId": "s1"}, &response)
	if response.Status != schema.StatusError {
		t.Errorf("invalid settings response = %+v", response)
	}
	wire := expectError(t, host, KindStructural, "")
	if wire.RequestID != "s1" {
		t.Errorf("ERROR requestId = %q", wire.RequestID)
	}
	if f.broker.Settings().Reconnect.Delay != 250*time.Millisecond {
		t.Error("invalid settings were applied")
	}

	// A payload of the wrong shape is rejected as a whole.
	response = schema.StatusResponse{}
	host.CallInto(schema.EventClientSettings,
		map[string]any{"reconnectAttempts": "five", "reconnectDelay": 900, "requestId": "s2"}, &response)
	if response.Status != schema.StatusError || response.Message != "Malformed client settings." {
		t.Errorf("malformed settings response = %+v", response)
	}
	expectError(t, host, KindStructural, "Malformed client settings.")
	if f.broker.Settings().Reconnect.Delay != 250*time.Millisecond {
		t.Error("malformed settings were partly applied")
	}
}

func TestClientSettingsOnlyFromHosts(t *testing.T) {
	f := newFixture(t)
	extension := f.connect(t, schema.ChannelHost, hub.Handshake{ClientID: testExtension})

	var response schema.StatusResponse
	extension.CallInto(schema.EventClientSettings, map[string]any{"reconnectAttempts": 1}, &response)
	if response.Status != schema.StatusError {
		t.Errorf("response = %+v", response)
	}
	expectError(t, extension, KindAuthorization, "")
	if f.broker.Settings().Reconnect.Attempts != reconnectAttempts {
		t.Error("settings changed by an extension")
	}
}

func TestNewGracePeriodsUseUpdatedSchedule(t *testing.T) {
	f := newFixture(t)
	attempts := 1
	delay := 500
	if err := f.broker.ApplyClientSettings(testHost, config.ClientSettings{
		ReconnectAttempts: &attempts, ReconnectDelay: &delay,
	}); err != nil {
		t.Fatal(err)
	}

	key := f.credentials.GenerateAndStoreClientKey(testExtension)
	client, _ := f.authenticateExtension(t, key)
	f.sync(t, client, schema.ChannelAuth, testExtension)
	client.Close()
	f.clock.WaitForTimers(1)

	f.clock.Advance(500 * time.Millisecond)
	if f.rooms.Exists(testExtension) {
		t.Error("room survived a one-attempt grace period")
	}
}
