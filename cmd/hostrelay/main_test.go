// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/relayclient"
	"github.com/bureau-foundation/hostrelay/trust"
)

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger, level, err := newLogger(&buffer, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	if level != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level)
	}
	logger.Debug("hello", "n", 1)
	var entry map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buffer.String())
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v", entry["msg"])
	}

	if _, _, err := newLogger(io.Discard, "loud", "json"); err == nil {
		t.Error("unknown level accepted")
	}
	if _, _, err := newLogger(io.Discard, "info", "xml"); err == nil {
		t.Error("unknown format accepted")
	}
	if _, level, err := newLogger(io.Discard, "WARN", "text"); err != nil || level != slog.LevelWarn {
		t.Errorf("WARN text = %v, %v", level, err)
	}
}

func TestAppServesChannels(t *testing.T) {
	dir := t.TempDir()
	for id, desc := range map[string]string{"SillyTavern-1": "Laptop", "ext-1": "Browser"} {
		if err := trust.WriteRecord(dir, id, desc); err != nil {
			t.Fatal(err)
		}
	}
	settingsPath := filepath.Join(dir, "settings.yaml")
	settings := config.Default()
	settings.SettingsDir = dir

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(settings, settingsPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)

	saved, err := config.LoadFile(settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"SillyTavern-1", "ext-1"}; !slices.Equal(saved.Rooms, want) {
		t.Errorf("saved rooms = %v, want %v", saved.Rooms, want)
	}
	// Trusted ids are recorded, but rooms wait for authentication.
	if rooms := a.broker.RoomList(); len(rooms) != 0 {
		t.Errorf("rooms before any connection = %+v", rooms)
	}

	server := httptest.NewServer(a.Handler())
	t.Cleanup(server.Close)

	body := get(t, server.URL+"/healthz")
	if body != "ok\n" {
		t.Errorf("healthz = %q", body)
	}
	metrics := get(t, server.URL+"/metrics")
	if !strings.Contains(metrics, "hostrelay_rooms_active 0") {
		t.Errorf("metrics missing room gauge:\n%s", metrics)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := relayclient.Dial(ctx, relayclient.Config{
		URL:       server.URL,
		Channel:   schema.ChannelFunctionCall,
		Handshake: hub.Handshake{ClientID: "ext-1"},
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	reply, err := client.Request(ctx, schema.EventFunctionCall, schema.FunctionCall{
		RequestID:    "c1",
		FunctionName: "ping",
		Target:       schema.TargetServer,
	})
	if err != nil {
		t.Fatal(err)
	}
	var result schema.FunctionResult
	if err := json.Unmarshal(reply, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || string(result.Result) != `"pong"` || result.RequestID != "c1" {
		t.Errorf("ping = %+v", result)
	}
}

func TestRestartKeepsSettingsFile(t *testing.T) {
	dir := t.TempDir()
	record := `{"clientId": "SillyTavern-1", "isTrust": true, "password": "hunter2"}`
	if err := os.WriteFile(filepath.Join(dir, "host.json"), []byte(record), 0o600); err != nil {
		t.Fatal(err)
	}
	settingsPath := filepath.Join(dir, "settings.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	settings := config.Default()
	settings.SettingsDir = dir
	first, err := newApp(settings, settingsPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	migrated, err := os.ReadFile(settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := config.LoadFile(settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	if hash := loaded.HostPasswords["SillyTavern-1"]; !secrethash.IsHash(hash) {
		t.Fatalf("host password after migration = %q", hash)
	}
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(settingsPath, past, past); err != nil {
		t.Fatal(err)
	}

	second, err := newApp(loaded, settingsPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	second.Close()

	info, err := os.Stat(settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(past) {
		t.Errorf("settings file rewritten on restart, mtime %s", info.ModTime())
	}
	current, _ := os.ReadFile(settingsPath)
	if !bytes.Equal(current, migrated) {
		t.Errorf("settings file changed on restart:\n%s\nwas:\n%s", current, migrated)
	}
}

func TestAppWithoutMetrics(t *testing.T) {
	dir := t.TempDir()
	settings := config.Default()
	settings.SettingsDir = dir
	settings.Metrics.Enabled = false

	a, err := newApp(settings, filepath.Join(dir, "settings.yaml"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)

	recorder := httptest.NewRecorder()
	a.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", recorder.Code)
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d %s", url, response.StatusCode, body)
	}
	return string(body)
}
