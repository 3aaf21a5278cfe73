// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the admin socket protocol: one CBOR
// request and one CBOR response per Unix socket connection.
//
// A request is a CBOR map with an "action" field plus action-specific
// fields. The response is {ok, error, data}. [SocketServer] routes the
// action to a registered [ActionFunc]; [Client] is the caller side used
// by hostrelay-admin. The socket's filesystem permissions are the only
// access control.
package service
