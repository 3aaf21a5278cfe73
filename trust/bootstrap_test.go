// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile %s: %v", name, err)
	}
}

func runBootstrap(t *testing.T, dir string) (*BootstrapResult, *Registry, *credential.Store) {
	t.Helper()
	registry := NewRegistry()
	store, err := credential.New(credential.Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	result, err := Bootstrap(BootstrapConfig{
		Dir:         dir,
		HostPrefix:  "SillyTavern",
		Skip:        []string{"settings.json"},
		Registry:    registry,
		Credentials: store,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return result, registry, store
}

func TestBootstrapClassifiesRecords(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settings.json", `{"clientId": "ignored", "isTrust": true}`)
	writeFile(t, dir, "ext.json", `{"clientId": "ext-1", "isTrust": true}`)
	writeFile(t, dir, "host.json", `{"clientId": "SillyTavern-1", "isTrust": true}`)
	writeFile(t, dir, "untrusted.json", `{"clientId": "ext-2", "isTrust": false}`)
	writeFile(t, dir, "broken.json", `{"clientId": `)
	writeFile(t, dir, "notes.txt", `{"clientId": "ext-3", "isTrust": true}`)
	writeFile(t, dir, "SillyTavern-9-settings.json", `{"sillyTavernMasterKey": "$2a$x"}`)

	result, registry, store := runBootstrap(t, dir)

	if registry.Kind("ext-1") != Extension {
		t.Error("ext-1 not trusted as an extension")
	}
	if registry.Kind("SillyTavern-1") != Host {
		t.Error("SillyTavern-1 not trusted as a host")
	}
	for _, id := range []string{"ignored", "ext-2", "ext-3", "SillyTavern-9"} {
		if registry.IsTrusted(id) {
			t.Errorf("%s trusted", id)
		}
	}
	if got := strings.Join(result.Rooms, ","); got != "SillyTavern-1,ext-1" {
		t.Errorf("Rooms = %s", got)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "broken.json" {
		t.Errorf("Skipped = %v", result.Skipped)
	}

	extensionKey, ok := store.GetClientKey("ext-1")
	if !ok || extensionKey.Hashed {
		t.Errorf("extension key = %+v, %v", extensionKey, ok)
	}
	hostKey, ok := store.GetClientKey("SillyTavern-1")
	if !ok || !hostKey.Hashed {
		t.Errorf("host key = %+v, %v", hostKey, ok)
	}
}

func TestBootstrapConflictingKinds(t *testing.T) {
	dir := t.TempDir()
	// Same clientId declared twice; the second declaration is
	// identical and must not be reported as a conflict.
	writeFile(t, dir, "a.json", `{"clientId": "ext-1", "isTrust": true}`)
	writeFile(t, dir, "b.json", `{"clientId": "ext-1", "isTrust": true}`)
	result, registry, _ := runBootstrap(t, dir)
	if registry.Kind("ext-1") != Extension || len(result.Skipped) != 0 {
		t.Errorf("kind = %v, skipped = %v", registry.Kind("ext-1"), result.Skipped)
	}
}

func TestBootstrapMigratesPasswordOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host.json", `{"clientId": "SillyTavern-1", "isTrust": true, "description": "main", "password": "hunter2"}`)

	first, registry, _ := runBootstrap(t, dir)
	if first.Writes != 2 {
		t.Fatalf("first pass writes = %d, want 2 (record and key file)", first.Writes)
	}
	if len(first.Migrated) != 1 || first.Migrated[0] != "SillyTavern-1" {
		t.Errorf("Migrated = %v", first.Migrated)
	}
	hash, ok := registry.HostPassword("SillyTavern-1")
	if !ok || !secrethash.IsHash(hash) || !secrethash.Compare(hash, "hunter2") {
		t.Fatalf("registry password = %q", hash)
	}

	recordData, err := os.ReadFile(filepath.Join(dir, "host.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(recordData), "hunter2") {
		t.Error("plaintext password left in the trust record")
	}
	if !strings.Contains(string(recordData), `"description": "main"`) {
		t.Error("migration dropped other record fields")
	}
	stored, err := ReadMasterKey(filepath.Join(dir, "SillyTavern-1"+KeyFileSuffix))
	if err != nil || stored != hash {
		t.Fatalf("key file = %q, %v; want %q", stored, err, hash)
	}

	second, registry, _ := runBootstrap(t, dir)
	if second.Writes != 0 {
		t.Errorf("second pass writes = %d, want 0", second.Writes)
	}
	if len(second.Migrated) != 0 {
		t.Errorf("second pass migrated %v", second.Migrated)
	}
	if again, _ := registry.HostPassword("SillyTavern-1"); again != hash {
		t.Error("second pass changed the stored hash")
	}
}

func TestBootstrapLegacyObjectPassword(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host.json", `{"clientId": "SillyTavern-2", "isTrust": true, "sillyTavernPassWord": {"password": "pw", "hashed": false}}`)
	result, registry, _ := runBootstrap(t, dir)
	hash, ok := registry.HostPassword("SillyTavern-2")
	if !ok || !secrethash.Compare(hash, "pw") {
		t.Fatalf("password not migrated: %q", hash)
	}
	if result.Writes != 2 {
		t.Errorf("writes = %d", result.Writes)
	}
	recordData, _ := os.ReadFile(filepath.Join(dir, "host.json"))
	if strings.Contains(string(recordData), "sillyTavernPassWord") {
		t.Error("legacy field kept after migration")
	}
}

func TestBootstrapRepairsMissingKeyFile(t *testing.T) {
	dir := t.TempDir()
	hash, err := secrethash.Hash("pw")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	writeFile(t, dir, "host.json", `{"clientId": "SillyTavern-3", "isTrust": true, "password": "`+hash+`"}`)
	result, _, _ := runBootstrap(t, dir)
	if result.Writes != 1 {
		t.Errorf("writes = %d, want 1 (key file only)", result.Writes)
	}
	if len(result.Migrated) != 0 {
		t.Errorf("already-hashed password reported migrated")
	}
}

func TestBootstrapUnreadableDirectory(t *testing.T) {
	registry := NewRegistry()
	store, _ := credential.New(credential.Config{Logger: discardLogger()})
	result, err := Bootstrap(BootstrapConfig{
		Dir:         filepath.Join(t.TempDir(), "missing"),
		HostPrefix:  "SillyTavern",
		Registry:    registry,
		Credentials: store,
		Logger:      discardLogger(),
	})
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
	if result == nil || len(result.Rooms) != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestBootstrapKeepsExistingExtensionKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ext.json", `{"clientId": "ext-1", "isTrust": true}`)

	registry := NewRegistry()
	store, _ := credential.New(credential.Config{Logger: discardLogger()})
	key := store.GenerateAndStoreClientKey("ext-1")
	if _, err := Bootstrap(BootstrapConfig{
		Dir: dir, HostPrefix: "SillyTavern", Registry: registry, Credentials: store, Logger: discardLogger(),
	}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !store.IsValidClientKey("ext-1", key) {
		t.Error("bootstrap replaced a persisted key")
	}
}

func TestWriteRecord(t *testing.T) {
	dir := t.TempDir()
	if err := WriteRecord(dir, "SillyTavern-4", "laptop"); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "SillyTavern-4.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	record, err := ParseRecord(data)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if record.ClientID != "SillyTavern-4" || !record.IsTrust || record.Description != "laptop" {
		t.Errorf("record = %+v", record)
	}
	if err := WriteRecord(dir, "../escape", ""); err == nil {
		t.Error("WriteRecord accepted a path-like id")
	}
}
