// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used on the hostrelay admin
// socket. Every request and response on that socket goes through
// Marshal and Unmarshal here so the encoder options live in one place.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// value always produces the same bytes. Decoding ignores unknown
// fields, so newer admin clients can talk to older servers.
//
// Structs shared with the JSON websocket surface carry json tags only;
// fxamacker/cbor falls back to json tags when no cbor tag is present.
package codec
