// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/hostrelay/lib/atomicfile"
	"github.com/bureau-foundation/hostrelay/lib/sealed"
	"github.com/bureau-foundation/hostrelay/lib/secret"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version int               `json:"version"`
	Keys    map[string]Record `json:"keys"`
}

// FileSnapshot keeps the key table in one file. With an Identity the
// file is age-encrypted to that identity's recipient; without one it
// is plain JSON readable only by the owner.
type FileSnapshot struct {
	Path string

	// Identity is an age X25519 identity. Borrowed: FileSnapshot never
	// closes it.
	Identity *secret.Buffer
}

// Load reads the snapshot. A missing file is an empty table.
func (f *FileSnapshot) Load() (map[string]Record, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	if f.Identity != nil {
		plaintext, err := sealed.Open(data, f.Identity)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Path, err)
		}
		defer plaintext.Close()
		data = plaintext.Bytes()
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.Path, err)
	}
	if file.Version != snapshotVersion {
		return nil, fmt.Errorf("%s: unsupported snapshot version %d", f.Path, file.Version)
	}
	if file.Keys == nil {
		file.Keys = map[string]Record{}
	}
	return file.Keys, nil
}

// Save replaces the snapshot.
func (f *FileSnapshot) Save(records map[string]Record) error {
	data, err := json.Marshal(snapshotFile{Version: snapshotVersion, Keys: records})
	if err != nil {
		return fmt.Errorf("marshaling credential snapshot: %w", err)
	}

	if f.Identity != nil {
		ciphertext, err := sealed.Seal(data, f.Identity)
		secret.Zero(data)
		if err != nil {
			return fmt.Errorf("sealing credential snapshot: %w", err)
		}
		data = ciphertext
	}
	return atomicfile.WriteFile(f.Path, data, 0o600)
}
