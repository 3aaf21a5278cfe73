// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the trust-gated relay between extensions and
// hosts.
//
// A [Broker] owns the trust registry, room registry, credential store,
// request correlation table and function registry, and serves the six
// channels of [schema.Channels] on a [hub.Server]:
//
//   - the gateway (default and auth channels) authenticates clients,
//     creates their rooms, and falls back to a temporary room when a
//     trusted client presents a bad key
//   - a [Supervisor] per gateway channel holds a dropped client's room
//     for a grace period and tears it down if the client does not
//     come back
//   - [Broker.SubmitLLMRequest] authorizes LLM requests and records
//     them in the [RequestTable] for the response relay
//   - [Broker.DispatchFunctionCall] runs function calls locally or
//     forwards them to the target client with a timeout
//
// All handlers run under one broker mutex, so registry mutations never
// interleave. The slow steps (bcrypt comparison and hashing, and the
// wait for a remote function result) run outside the mutex and
// re-check state after reacquiring it.
package broker
