// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/sealed"
	"github.com/bureau-foundation/hostrelay/lib/secret"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/lib/service"
	"github.com/bureau-foundation/hostrelay/lib/testutil"
	"github.com/bureau-foundation/hostrelay/room"
	"github.com/bureau-foundation/hostrelay/trust"
)

// startAdmin serves a broker's admin socket and returns its path.
func startAdmin(t *testing.T) (string, *credential.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := trust.NewRegistry()
	if err := registry.AddExtension("ext-1"); err != nil {
		t.Fatal(err)
	}
	rooms := room.NewRegistry()
	rooms.CreateRoom("ext-1")
	rooms.SetClientDescription("ext-1", "Browser")
	store, err := credential.New(credential.Config{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	settings := config.Default()
	settings.SettingsDir = t.TempDir()
	b, err := broker.New(broker.Config{
		Hub:         hub.NewServer(logger),
		Trust:       registry,
		Rooms:       rooms,
		Credentials: store,
		Settings:    settings,
		Logger:      logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	socketPath := testutil.SocketPath(t, "admin.sock")
	server := service.NewSocketServer(socketPath, logger)
	b.RegisterAdminActions(server)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "admin socket shutdown")
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", socketPath)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return socketPath, store
}

func runAdmin(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, stdin, &out)
	return out.String(), err
}

func TestSocketCommands(t *testing.T) {
	socketPath, store := startAdmin(t)

	out, err := runAdmin(t, nil, "--socket", socketPath, "generate-key", "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	key := strings.TrimSpace(out)
	if !store.IsValidClientKey("ext-1", key) {
		t.Errorf("printed key %q is not stored", key)
	}

	out, err = runAdmin(t, nil, "--socket", socketPath, "list-clients")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ext-1") || !strings.Contains(out, "Browser") {
		t.Errorf("list-clients output:\n%s", out)
	}

	out, err = runAdmin(t, nil, "--socket", socketPath, "list-rooms")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ROOM") || !strings.Contains(out, "ext-1") {
		t.Errorf("list-rooms output:\n%s", out)
	}

	out, err = runAdmin(t, nil, "--socket", socketPath, "clients-in-room", "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Browser") {
		t.Errorf("empty room lists clients:\n%s", out)
	}

	out, err = runAdmin(t, nil, "--socket", socketPath, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "trusted extensions") || !strings.Contains(out, "connections /auth") {
		t.Errorf("status output:\n%s", out)
	}

	if _, err := runAdmin(t, nil, "--socket", socketPath, "remove-key", "ext-1"); err != nil {
		t.Fatal(err)
	}
	if _, exists := store.GetClientKey("ext-1"); exists {
		t.Error("key survived remove-key")
	}
	if _, err := runAdmin(t, nil, "--socket", socketPath, "remove-key", "ext-1"); err == nil {
		t.Error("removing a missing key succeeded")
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"bogus"},
		{"generate-key"},
		{"list-rooms", "extra"},
	} {
		if _, err := runAdmin(t, nil, args...); err == nil {
			t.Errorf("run(%q) succeeded", args)
		}
	}

	out, err := runAdmin(t, nil, "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range commands {
		if !strings.Contains(out, c.name) {
			t.Errorf("help omits %s", c.name)
		}
	}
}

func TestUnreachableSocket(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.sock")
	if _, err := runAdmin(t, nil, "--socket", missing, "--timeout", "1s", "status"); err == nil {
		t.Error("status against a missing socket succeeded")
	}
}

func TestHashPassword(t *testing.T) {
	out, err := runAdmin(t, strings.NewReader("correct horse\n"), "hash-password")
	if err != nil {
		t.Fatal(err)
	}
	hash := strings.TrimSpace(out)
	if !secrethash.IsHash(hash) || !secrethash.Compare(hash, "correct horse") {
		t.Errorf("hash %q does not match the password", hash)
	}

	if _, err := runAdmin(t, strings.NewReader("\n"), "hash-password"); err == nil {
		t.Error("empty password accepted")
	}
}

func TestGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.age")
	out, err := runAdmin(t, nil, "generate-identity", path)
	if err != nil {
		t.Fatal(err)
	}
	publicKey := strings.TrimSpace(out)
	if !strings.HasPrefix(publicKey, "age1") {
		t.Errorf("recipient = %q", publicKey)
	}

	identity, err := secret.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer identity.Close()
	recipient, err := sealed.Recipient(identity)
	if err != nil {
		t.Fatal(err)
	}
	if recipient != publicKey {
		t.Errorf("stored identity recipient = %q, printed %q", recipient, publicKey)
	}

	if _, err := runAdmin(t, nil, "generate-identity", path); err == nil {
		t.Error("overwrote an existing identity")
	}
}
