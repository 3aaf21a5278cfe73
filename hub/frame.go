// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"encoding/json"
	"errors"
)

// HandshakeEvent is the event name of a client's first frame.
const HandshakeEvent = "handshake"

var (
	// ErrDisconnected is returned for operations on a closed socket.
	ErrDisconnected = errors.New("socket disconnected")

	// ErrQueueFull is returned by Emit when the socket's outbound
	// queue overflowed; the socket is disconnected.
	ErrQueueFull = errors.New("socket outbound queue full")

	// ErrBadHandshake is returned when the first frame is not a valid
	// handshake.
	ErrBadHandshake = errors.New("invalid handshake")

	// ErrUnknownNamespace is returned when a connection names a
	// channel the server does not serve.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// Frame is one wire message.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Conn carries frames. ReadFrame is called from one goroutine and
// WriteFrame from one (possibly different) goroutine; Close may be
// called from any goroutine, more than once.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Handshake is the identity a client presents when it connects.
type Handshake struct {
	ClientID   string `json:"clientId"`
	ClientType string `json:"clientType,omitempty"`
	Key        string `json:"key,omitempty"`
	Desc       string `json:"desc,omitempty"`

	// Raw is the handshake object as sent, for fields not listed here.
	Raw json.RawMessage `json:"-"`
}

// encode marshals data for a frame. json.RawMessage and []byte holding
// JSON pass through unchanged.
func encode(data any) (json.RawMessage, error) {
	switch value := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	default:
		return json.Marshal(value)
	}
}
