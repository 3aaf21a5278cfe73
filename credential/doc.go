// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential stores per-client keys.
//
// Extensions hold plaintext keys: the store keeps the key itself,
// hands it to administrators on request, and rotates it after every
// successful authentication. Hosts hold hashed keys: the store keeps
// only a bcrypt hash, and the plaintext is seen once, at first
// contact, by the host that asked for it.
//
// Every mutation rewrites the snapshot wholesale. A failed write is
// logged and the in-memory table stays authoritative; the next
// successful write catches the file up. Keys never appear in logs;
// [Fingerprint] gives a stable short identifier instead.
package credential
