// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConflict is returned when a clientId is added to one trust set
// while already in the other.
var ErrConflict = errors.New("client already trusted with a different kind")

// Kind classifies a clientId.
type Kind int

const (
	Untrusted Kind = iota
	Extension
	Host
)

func (k Kind) String() string {
	switch k {
	case Extension:
		return "extension"
	case Host:
		return "host"
	default:
		return "untrusted"
	}
}

// Registry is the trusted extension and host sets plus host password
// hashes. Not safe for concurrent use; the broker serializes access.
type Registry struct {
	extensions map[string]struct{}
	hosts      map[string]struct{}
	passwords  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		extensions: make(map[string]struct{}),
		hosts:      make(map[string]struct{}),
		passwords:  make(map[string]string),
	}
}

// AddExtension trusts clientID as an extension.
func (r *Registry) AddExtension(clientID string) error {
	if _, isHost := r.hosts[clientID]; isHost {
		return fmt.Errorf("%w: %s is a host", ErrConflict, clientID)
	}
	r.extensions[clientID] = struct{}{}
	return nil
}

// AddHost trusts clientID as a host.
func (r *Registry) AddHost(clientID string) error {
	if _, isExtension := r.extensions[clientID]; isExtension {
		return fmt.Errorf("%w: %s is an extension", ErrConflict, clientID)
	}
	r.hosts[clientID] = struct{}{}
	return nil
}

// Kind returns how clientID is trusted.
func (r *Registry) Kind(clientID string) Kind {
	if _, ok := r.hosts[clientID]; ok {
		return Host
	}
	if _, ok := r.extensions[clientID]; ok {
		return Extension
	}
	return Untrusted
}

// IsTrustedHost reports whether clientID is a trusted host.
func (r *Registry) IsTrustedHost(clientID string) bool { return r.Kind(clientID) == Host }

// IsTrustedExtension reports whether clientID is a trusted extension.
func (r *Registry) IsTrustedExtension(clientID string) bool { return r.Kind(clientID) == Extension }

// IsTrusted reports whether clientID is in either set.
func (r *Registry) IsTrusted(clientID string) bool { return r.Kind(clientID) != Untrusted }

// Hosts returns the trusted host ids, sorted.
func (r *Registry) Hosts() []string { return sortedKeys(r.hosts) }

// Extensions returns the trusted extension ids, sorted.
func (r *Registry) Extensions() []string { return sortedKeys(r.extensions) }

// SetHostPassword records the hashed master password for a host.
func (r *Registry) SetHostPassword(clientID, hash string) {
	r.passwords[clientID] = hash
}

// HostPassword returns the hashed master password for clientID.
func (r *Registry) HostPassword(clientID string) (string, bool) {
	hash, ok := r.passwords[clientID]
	return hash, ok
}

// HostPasswords returns a copy of the password map.
func (r *Registry) HostPasswords() map[string]string {
	passwords := make(map[string]string, len(r.passwords))
	for clientID, hash := range r.passwords {
		passwords[clientID] = hash
	}
	return passwords
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ValidateClientID rejects ids that cannot safely name a file in the
// settings directory. Trust records and key files are named after the
// clientId, and host ids arrive over the network.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("client id is empty")
	}
	if len(clientID) > 128 {
		return fmt.Errorf("client id longer than 128 bytes")
	}
	if clientID[0] == '.' {
		return fmt.Errorf("client id %q starts with a dot", clientID)
	}
	for _, r := range clientID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("client id %q contains %q", clientID, r)
		}
	}
	return nil
}
