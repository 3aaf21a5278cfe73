// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts the credential snapshot with age.
//
// The snapshot is sealed to the X25519 recipient derived from the
// server's identity, and written ASCII-armored so it can be inspected
// and diffed as text. The identity itself stays in a secret.Buffer
// while the server runs.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/hostrelay/lib/secret"
)

// Keypair is an age X25519 identity and its public recipient.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... string.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient.
	PublicKey string
}

// Close releases the private key. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Recipient returns the public recipient for privateKey.
func Recipient(privateKey *secret.Buffer) (string, error) {
	identity, err := parseIdentity(privateKey)
	if err != nil {
		return "", err
	}
	return identity.Recipient().String(), nil
}

func parseIdentity(privateKey *secret.Buffer) (*age.X25519Identity, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return identity, nil
}

// Seal encrypts plaintext to privateKey's own recipient and returns
// armored ciphertext that only Open with the same identity reverses.
func Seal(plaintext []byte, privateKey *secret.Buffer) ([]byte, error) {
	identity, err := parseIdentity(privateKey)
	if err != nil {
		return nil, err
	}

	var sealed bytes.Buffer
	armored := armor.NewWriter(&sealed)
	encrypted, err := age.Encrypt(armored, identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("starting encryption: %w", err)
	}
	if _, err := encrypted.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	// Both layers buffer: the age stream first, then the armor.
	if err := errors.Join(encrypted.Close(), armored.Close()); err != nil {
		return nil, fmt.Errorf("finishing encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal. The plaintext is returned
// in a secret.Buffer the caller must close. privateKey stays open.
func Open(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := parseIdentity(privateKey)
	if err != nil {
		return nil, err
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed file is empty")
	}
	return secret.NewFromBytes(plaintext)
}
