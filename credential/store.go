// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostrelay/lib/clock"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
)

// ErrNotFound is returned when a client has no stored key.
var ErrNotFound = errors.New("client key not found")

// Record is one stored key.
type Record struct {
	// Key is the plaintext key, or its bcrypt hash when Hashed.
	Key       string    `json:"key"`
	Hashed    bool      `json:"hashed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot persists the whole key table.
type Snapshot interface {
	Load() (map[string]Record, error)
	Save(records map[string]Record) error
}

// Config configures a Store.
type Config struct {
	// Snapshot persists keys. Nil keeps them in memory only.
	Snapshot Snapshot

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the credential table. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	records  map[string]Record
	snapshot Snapshot
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a store and loads the snapshot, if any. A snapshot that
// cannot be read is an error: starting with an empty table would
// silently lock out every client.
func New(config Config) (*Store, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	store := &Store{
		records:  make(map[string]Record),
		snapshot: config.Snapshot,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if store.snapshot != nil {
		records, err := store.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("loading credential snapshot: %w", err)
		}
		for clientID, record := range records {
			store.records[clientID] = record
		}
		store.logger.Info("credential snapshot loaded", "clients", len(store.records))
	}
	return store, nil
}

// NewKey returns a fresh random key.
func NewKey() string {
	return rand.Text()
}

// Fingerprint returns a short, non-reversible identifier for a key,
// safe to log.
func Fingerprint(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// GenerateAndStoreClientKey creates and stores a plaintext key for
// clientID, replacing any previous key, and returns it.
func (s *Store) GenerateAndStoreClientKey(clientID string) string {
	key := NewKey()
	s.put(clientID, Record{Key: key, CreatedAt: s.clock.Now()})
	s.logger.Info("client key generated", "client_id", clientID, "fingerprint", Fingerprint(key))
	return key
}

// StoreHashedKey stores a precomputed hash as clientID's key. Hashing
// is left to the caller so the slow bcrypt work can run outside any
// lock the caller holds.
func (s *Store) StoreHashedKey(clientID, hash string) {
	s.put(clientID, Record{Key: hash, Hashed: true, CreatedAt: s.clock.Now()})
	s.logger.Info("hashed client key stored", "client_id", clientID)
}

// GetClientKey returns clientID's stored value: the plaintext key, or
// the hash for hashed records.
func (s *Store) GetClientKey(clientID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[clientID]
	return record, ok
}

// IsValidClientKey reports whether key matches clientID's stored key.
// Plaintext records compare in constant time; hashed records use
// bcrypt, which is slow and should not be called under a caller's lock.
func (s *Store) IsValidClientKey(clientID, key string) bool {
	record, ok := s.GetClientKey(clientID)
	if !ok || key == "" {
		return false
	}
	if record.Hashed {
		return secrethash.Compare(record.Key, key)
	}
	return subtle.ConstantTimeCompare([]byte(record.Key), []byte(key)) == 1
}

// RemoveClientKey deletes clientID's key.
func (s *Store) RemoveClientKey(clientID string) error {
	s.mu.Lock()
	if _, ok := s.records[clientID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, clientID)
	}
	delete(s.records, clientID)
	records := s.copyLocked()
	s.mu.Unlock()

	s.logger.Info("client key removed", "client_id", clientID)
	s.persist(records)
	return nil
}

// GetAllClientKeys returns every plaintext key. Hashed records are
// omitted: there is nothing useful to show for them.
func (s *Store) GetAllClientKeys() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make(map[string]string, len(s.records))
	for clientID, record := range s.records {
		if !record.Hashed {
			keys[clientID] = record.Key
		}
	}
	return keys
}

// ClientIDs returns every client with a stored key, sorted.
func (s *Store) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for clientID := range s.records {
		ids = append(ids, clientID)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) put(clientID string, record Record) {
	s.mu.Lock()
	s.records[clientID] = record
	records := s.copyLocked()
	s.mu.Unlock()
	s.persist(records)
}

func (s *Store) copyLocked() map[string]Record {
	records := make(map[string]Record, len(s.records))
	for clientID, record := range s.records {
		records[clientID] = record
	}
	return records
}

func (s *Store) persist(records map[string]Record) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Save(records); err != nil {
		s.logger.Error("credential snapshot write failed, keeping in-memory keys",
			"error", err, "clients", len(records))
	}
}
