// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/hostrelay/lib/schema"
)

// Kind classifies a broker error by how it is handled.
type Kind string

const (
	// KindStructural: a required handshake field is missing. The
	// connection is dropped.
	KindStructural Kind = "structural"

	// KindTrust: the client id is not in the trust registry. The
	// connection is dropped after an explicit notice.
	KindTrust Kind = "trust"

	// KindCredential: a trusted client presented an invalid key. The
	// connection survives in a temporary room.
	KindCredential Kind = "credential"

	// KindAuthorization: the sender may not address the target. The
	// error goes back to the sender.
	KindAuthorization Kind = "authorization"

	// KindRouting: the target is unknown or is a sentinel that does
	// not accept the request.
	KindRouting Kind = "routing"

	// KindRPC: a function call failed. Reported in the call result,
	// never as a transport error.
	KindRPC Kind = "rpc"

	// KindPersistence: a settings or credential write failed. Logged;
	// in-memory state stays authoritative.
	KindPersistence Kind = "persistence"
)

// Error is a broker failure with its taxonomy kind. Callers extract it
// with errors.As:
//
//	var brokerErr *broker.Error
//	if errors.As(err, &brokerErr) && brokerErr.Kind == broker.KindAuthorization { ... }
type Error struct {
	Kind    Kind
	Message string

	// RequestID is set when the failure belongs to a request.
	RequestID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Wire returns the ERROR event payload for e.
func (e *Error) Wire() schema.ErrorMessage {
	return schema.ErrorMessage{Type: string(e.Kind), Message: e.Message, RequestID: e.RequestID}
}

func newError(kind Kind, requestID, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), RequestID: requestID}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind == kind
	}
	return false
}
