// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hostrelay is the relay broker. It accepts websocket connections from
// browser extensions and from LLM hosts, admits trusted clients to
// rooms, forwards LLM requests to hosts and streams their responses
// back, and dispatches function calls between clients or to the
// server's built-in functions. Operators manage client keys through
// the admin socket with hostrelay-admin.
package main
