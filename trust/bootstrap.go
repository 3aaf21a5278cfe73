// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/lib/atomicfile"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
)

// KeyFileSuffix names the per-host file holding the hashed master key:
// "<clientId>-settings.json".
const KeyFileSuffix = "-settings.json"

// BootstrapConfig configures Bootstrap.
type BootstrapConfig struct {
	// Dir is scanned for *.json trust records.
	Dir string

	// HostPrefix marks a clientId as a host.
	HostPrefix string

	// Skip lists file names in Dir that are not trust records (the
	// settings file, the credential snapshot).
	Skip []string

	Registry    *Registry
	Credentials *credential.Store

	// Descriptions receives each record's description, if set.
	Descriptions func(clientID, description string)

	Logger *slog.Logger
}

// BootstrapResult summarizes a scan.
type BootstrapResult struct {
	// Rooms lists every trusted clientId, sorted.
	Rooms []string

	// HostPasswords maps host ids to hashed passwords.
	HostPasswords map[string]string

	// Migrated lists hosts whose plaintext password was hashed.
	Migrated []string

	// Writes counts files written (record rewrites and key files).
	Writes int

	// Skipped lists file names ignored because they were malformed or
	// conflicted with an earlier record.
	Skipped []string
}

// Bootstrap scans config.Dir and populates the registry and credential
// store. Bad records are logged and skipped; an unreadable directory
// returns an error alongside an empty result, and the caller carries
// on with nothing trusted.
func Bootstrap(config BootstrapConfig) (*BootstrapResult, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	result := &BootstrapResult{HostPasswords: map[string]string{}}

	entries, err := os.ReadDir(config.Dir)
	if err != nil {
		return result, fmt.Errorf("reading trust directory %s: %w", config.Dir, err)
	}

	skip := make(map[string]bool, len(config.Skip))
	for _, name := range config.Skip {
		skip[name] = true
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || skip[name] || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, KeyFileSuffix) {
			continue
		}
		path := filepath.Join(config.Dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable trust record", "file", name, "error", err)
			result.Skipped = append(result.Skipped, name)
			continue
		}
		record, err := ParseRecord(data)
		if err != nil {
			logger.Warn("skipping trust record", "file", name, "error", err)
			result.Skipped = append(result.Skipped, name)
			continue
		}
		if !record.IsTrust {
			continue
		}
		if err := ValidateClientID(record.ClientID); err != nil {
			logger.Warn("skipping trust record", "file", name, "error", err)
			result.Skipped = append(result.Skipped, name)
			continue
		}

		if strings.HasPrefix(record.ClientID, config.HostPrefix) {
			if err := config.Registry.AddHost(record.ClientID); err != nil {
				logger.Warn("skipping trust record", "file", name, "error", err)
				result.Skipped = append(result.Skipped, name)
				continue
			}
			if err := provisionHostKey(config.Credentials, record.ClientID); err != nil {
				logger.Error("provisioning host key failed", "client_id", record.ClientID, "error", err)
			}
			if record.Password != "" {
				hash, writes, err := migratePassword(config.Dir, path, record, logger)
				result.Writes += writes
				if err != nil {
					logger.Error("host password migration failed", "client_id", record.ClientID, "error", err)
				}
				if hash != "" {
					config.Registry.SetHostPassword(record.ClientID, hash)
					result.HostPasswords[record.ClientID] = hash
					if !record.PasswordHashed {
						result.Migrated = append(result.Migrated, record.ClientID)
					}
				}
			}
			logger.Info("trusted host added", "client_id", record.ClientID)
		} else {
			if err := config.Registry.AddExtension(record.ClientID); err != nil {
				logger.Warn("skipping trust record", "file", name, "error", err)
				result.Skipped = append(result.Skipped, name)
				continue
			}
			if _, exists := config.Credentials.GetClientKey(record.ClientID); !exists {
				config.Credentials.GenerateAndStoreClientKey(record.ClientID)
			}
			logger.Info("trusted extension added", "client_id", record.ClientID)
		}

		if record.Description != "" && config.Descriptions != nil {
			config.Descriptions(record.ClientID, record.Description)
		}
		result.Rooms = append(result.Rooms, record.ClientID)
	}

	sort.Strings(result.Rooms)
	sort.Strings(result.Migrated)
	return result, nil
}

// provisionHostKey gives a host a hashed key if it has none. Nobody
// knows the plaintext: the host replaces it through the getKey
// first-contact exchange.
func provisionHostKey(store *credential.Store, clientID string) error {
	if _, exists := store.GetClientKey(clientID); exists {
		return nil
	}
	hash, err := secrethash.Hash(credential.NewKey())
	if err != nil {
		return err
	}
	store.StoreHashedKey(clientID, hash)
	return nil
}

// migratePassword returns the host's hashed password, hashing and
// writing it back if the record held plaintext, and making sure the
// per-host key file agrees. It returns the number of files written.
func migratePassword(dir, recordPath string, record *Record, logger *slog.Logger) (string, int, error) {
	writes := 0
	hash := record.Password

	if !record.PasswordHashed {
		var err error
		hash, err = secrethash.Hash(record.Password)
		if err != nil {
			return "", 0, err
		}
		if err := atomicfile.WriteJSON(recordPath, record.withPasswordHash(hash), 0o600); err != nil {
			return "", 0, fmt.Errorf("rewriting %s: %w", recordPath, err)
		}
		writes++
		logger.Info("host password hashed", "client_id", record.ClientID)
	}

	keyFile := filepath.Join(dir, record.ClientID+KeyFileSuffix)
	current, err := ReadMasterKey(keyFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("replacing unreadable host key file", "file", keyFile, "error", err)
	}
	if current != hash {
		if err := atomicfile.WriteJSON(keyFile, masterKeyFile{MasterKey: hash}, 0o600); err != nil {
			return hash, writes, fmt.Errorf("writing %s: %w", keyFile, err)
		}
		writes++
	}
	return hash, writes, nil
}

type masterKeyFile struct {
	MasterKey string `json:"sillyTavernMasterKey"`
}

// ReadMasterKey returns the hashed master key stored in a per-host key
// file.
func ReadMasterKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var file masterKeyFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return file.MasterKey, nil
}

// WriteRecord writes a trust record for clientID into dir, used when
// a host identifies itself at runtime.
func WriteRecord(dir, clientID, description string) error {
	if err := ValidateClientID(clientID); err != nil {
		return err
	}
	record := map[string]any{
		"clientId": clientID,
		"isTrust":  true,
	}
	if description != "" {
		record["description"] = description
	}
	return atomicfile.WriteJSON(filepath.Join(dir, clientID+".json"), record, 0o600)
}
