// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrethash is the one-way hash used for host master
// passwords and host client keys.
//
// Hashes are bcrypt in modular crypt format ("$2a$10$..."). IsHash
// recognizes a stored value that is already hashed by its leading "$",
// which is how the startup migration tells plaintext from hashed
// values without a separate flag.
package secrethash

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt work factor for new hashes.
const Cost = 10

// Hash returns the bcrypt hash of secret.
func Hash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), Cost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether secret matches hash. A malformed hash is a
// mismatch, never an error: callers only act on the boolean.
func Compare(hash, secret string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}

// IsHash reports whether a stored value is already in hashed form.
func IsHash(value string) bool {
	return strings.HasPrefix(value, "$")
}

// Valid reports whether hash parses as a bcrypt hash. Used by
// hostrelay-admin to check values pasted into trust records.
func Valid(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		if errors.Is(err, bcrypt.ErrHashTooShort) {
			return fmt.Errorf("not a bcrypt hash: too short")
		}
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}
