// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secrethash

import (
	"strings"
	"testing"
)

func TestHashCompare(t *testing.T) {
	hash, err := Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !IsHash(hash) {
		t.Errorf("IsHash(%q) = false", hash)
	}
	if err := Valid(hash); err != nil {
		t.Errorf("Valid: %v", err)
	}
	if !Compare(hash, "correct horse") {
		t.Error("Compare rejected the right secret")
	}
	if Compare(hash, "wrong horse") {
		t.Error("Compare accepted the wrong secret")
	}
}

func TestHashIsSalted(t *testing.T) {
	first, err := Hash("same")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	second, err := Hash("same")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if first == second {
		t.Error("two hashes of the same secret are identical")
	}
}

func TestCompareMalformedHash(t *testing.T) {
	if Compare("plaintext", "plaintext") {
		t.Error("Compare treated a plaintext value as a matching hash")
	}
}

func TestIsHash(t *testing.T) {
	cases := map[string]bool{
		"$2a$10$abcdefghijklmnopqrstuv": true,
		"hunter2":                       false,
		"":                              false,
	}
	for value, want := range cases {
		if got := IsHash(value); got != want {
			t.Errorf("IsHash(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestHashTooLong(t *testing.T) {
	if _, err := Hash(strings.Repeat("x", 100)); err == nil {
		t.Error("expected error for a secret longer than bcrypt accepts")
	}
}

func TestValidRejects(t *testing.T) {
	if err := Valid("$2a$"); err == nil {
		t.Error("Valid accepted a truncated hash")
	}
}
