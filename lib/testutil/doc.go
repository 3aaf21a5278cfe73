// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by hostrelay tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests never hang on a missing event. They are the
// only place tests wait on the wall clock; broker timers run on
// lib/clock's fake.
//
// [SocketPath] returns a short path under /tmp for a Unix socket,
// whose paths are limited to 108 bytes.
package testutil
