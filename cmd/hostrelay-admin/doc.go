// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hostrelay-admin manages a running hostrelay through its admin
// socket: issuing and revoking client keys and inspecting clients,
// rooms and broker status. Two commands work offline: hash-password
// prints the bcrypt hash to put in a host trust record, and
// generate-identity creates the age identity that seals the credential
// file.
package main
