// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub is a small bidirectional event transport with named
// channels (namespaces), per-channel rooms, and acknowledged requests.
//
// Every frame on the wire is a JSON object:
//
//	{"event": "LLM_REQUEST", "data": {...}}             an event
//	{"event": "FUNCTION_CALL", "data": {...}, "id": "7"} an event expecting an ack
//	{"ack": "7", "data": {...}}                          the ack for request 7
//
// A client's first frame must be a "handshake" event carrying its
// identity ([Handshake]). The server then hands the new [Socket] to the
// namespace's connection handler, which registers event handlers
// before any further frame is read. Events from one socket are
// dispatched one at a time, in arrival order, on that socket's read
// goroutine. Outbound frames are queued and written by a per-socket
// writer goroutine; a socket whose queue overflows is disconnected.
//
// Two bindings carry frames: [NewWebsocketHandler] serves
// /socket/{channel} over gorilla/websocket, and [Pipe] connects two
// in-memory ends for tests.
package hub
