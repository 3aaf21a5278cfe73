// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the hostrelay wire protocol: channel names,
// event names, sentinel values, and the JSON payload of each event.
//
// Channels are hub namespaces. Each is served over websocket at
// /socket followed by the channel name, with "/" served at /socket.
//
//   - [ChannelDefault] -- presence for monitors and extensions
//   - [ChannelAuth] -- key exchange, room lifecycle, [EventLogin]
//   - [ChannelClients] -- key and room administration
//   - [ChannelLLM] -- [EventLLMRequest] and response relay
//   - [ChannelHost] -- [EventIdentifyHost], [EventClientSettings]
//   - [ChannelFunctionCall] -- [EventFunctionCall]
//
// Field names follow what existing extension and host clients send,
// which is why they are camelCase and a few are irregular
// ("Remember_me", "sillyTavernMasterKey").
//
// This package depends on no other hostrelay packages.
package schema
