// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// The broker keeps the age identity that seals the credential snapshot
// in a Buffer for the life of the process. The bytes live in an
// anonymous mmap region that is mlocked (never swapped), excluded from
// core dumps, and zeroed on Close. The garbage collector never copies
// them.
package secret
