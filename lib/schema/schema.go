// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "encoding/json"

// Channel names.
const (
	ChannelDefault      = "/"
	ChannelAuth         = "/auth"
	ChannelClients      = "/clients"
	ChannelLLM          = "/llm"
	ChannelHost         = "/host"
	ChannelFunctionCall = "/function_call"
)

// Channels lists every channel the broker serves.
var Channels = []string{
	ChannelDefault,
	ChannelAuth,
	ChannelClients,
	ChannelLLM,
	ChannelHost,
	ChannelFunctionCall,
}

// Client types declared in the handshake on the default channel.
const (
	ClientTypeMonitor                  = "monitor"
	ClientTypeExtension                = "extension"
	ClientTypeExtensionLogin           = "extension-login"
	ClientTypeExtensionCheckRememberMe = "extension-checkRememberMe"
	ClientTypeHost                     = "host"
)

const (
	// TargetServer addresses the broker itself. Function calls to it
	// run locally; LLM requests to it are refused.
	TargetServer = "server"

	// GetKeySentinel is the handshake key a trusted host sends on
	// first contact to be issued a fresh key.
	GetKeySentinel = "getKey"

	// MonitorRoom is the default-channel room every monitor joins.
	MonitorRoom = "monitor-room"

	// TempRoomPrefix prefixes the temporary room of a connection that
	// presented an invalid key.
	TempRoomPrefix = "temp_"
)

// Event names.
const (
	EventError            = "ERROR"
	EventTempRoomAssigned = "TEMP_ROOM_ASSIGNED"

	// EventMessage carries the key issued for [GetKeySentinel], as a
	// [KeyDelivery] with Type [EventGetClientKey].
	EventMessage = "message"

	// EventKeyRotated tells an extension the key it must present next
	// time, after a successful authentication replaced the old one.
	EventKeyRotated = "KEY_ROTATED"

	EventGetClientKey      = "GET_CLIENT_KEY"
	EventLogin             = "LOGIN"
	EventGenerateClientKey = "GENERATE_CLIENT_KEY"
	EventRemoveClientKey   = "REMOVE_CLIENT_KEY"
	EventGetClientList     = "getClientList"
	EventGetClientsInRoom  = "getClientsInRoom"

	EventLLMRequest  = "LLM_REQUEST"
	EventLLMResponse = "LLM_RESPONSE"
	EventStreamChunk = "STREAM_CHUNK"
	EventStreamEnd   = "STREAM_END"

	EventIdentifyHost   = "IDENTIFY_SILLYTAVERN"
	EventClientSettings = "CLIENT_SETTINGS"

	EventFunctionCall = "FUNCTION_CALL"
)

// Status values in key-exchange and admin replies.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusWarning = "warning"
)

// ErrorMessage is the payload of [EventError].
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// StatusResponse is the ack of requests that return no data.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// KeyResponse is the ack of key requests and of [EventIdentifyHost].
type KeyResponse struct {
	Status  string `json:"status"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
}

// KeyTableResponse is the admin channel's [EventGetClientKey] ack:
// every retrievable key by client id.
type KeyTableResponse struct {
	Status  string            `json:"status"`
	Keys    map[string]string `json:"key,omitempty"`
	Message string            `json:"message,omitempty"`
}

// KeyDelivery is the payload of [EventMessage] and [EventKeyRotated].
type KeyDelivery struct {
	Type     string `json:"type,omitempty"`
	Key      string `json:"key"`
	ClientID string `json:"clientId"`
}

// TempRoomAssigned is the payload of [EventTempRoomAssigned].
type TempRoomAssigned struct {
	RoomID string `json:"roomId"`
}

// ClientRequest names the client an event acts on.
type ClientRequest struct {
	ClientID string `json:"clientId"`
}

// LoginRequest is the payload of [EventLogin].
type LoginRequest struct {
	ClientID string `json:"clientId"`
	Password string `json:"password"`
}

// LoginResponse is the ack of [EventLogin].
type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientInfo is one entry of a client listing.
type ClientInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// LLMRequest is the payload of [EventLLMRequest]. Payload is opaque to
// the broker and forwarded unchanged.
type LLMRequest struct {
	Target    string          `json:"target"`
	RequestID string          `json:"requestId"`
	ClientID  string          `json:"clientId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResponseHeader is the part of a response event the relay reads.
type ResponseHeader struct {
	RequestID string `json:"requestId"`
}

// FunctionCall is the payload of [EventFunctionCall].
type FunctionCall struct {
	RequestID    string            `json:"requestId"`
	FunctionName string            `json:"functionName"`
	Args         []json.RawMessage `json:"args"`
	Target       string            `json:"target"`
}

// FunctionResult is the ack of [EventFunctionCall].
type FunctionResult struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *FunctionError  `json:"error,omitempty"`
}

// FunctionError describes a failed call.
type FunctionError struct {
	Message string `json:"message"`
}

// FunctionFailure builds a failed FunctionResult.
func FunctionFailure(requestID, message string) FunctionResult {
	return FunctionResult{RequestID: requestID, Error: &FunctionError{Message: message}}
}
