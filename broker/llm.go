// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"

	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/schema"
)

// SubmitLLMRequest authorizes an LLM request from source and records
// it in the correlation table. Forwarding is the relay's job. A
// rejected request returns an *Error and leaves the table unchanged.
func (b *Broker) SubmitLLMRequest(source string, request schema.LLMRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := request.Target
	if !b.canSendMessageLocked(source, target) {
		return newError(KindAuthorization, request.RequestID,
			"Client %s is not allowed to send messages to room %s.", source, target)
	}
	if target == schema.TargetServer {
		return newError(KindRouting, request.RequestID,
			"LLM requests should not be sent to the server directly.")
	}
	if request.RequestID == "" {
		return newError(KindStructural, "", "LLM request is missing requestId.")
	}
	if !b.trust.IsTrustedHost(target) {
		return newError(KindRouting, request.RequestID, "Target host not found: %s", target)
	}

	b.requests.Append(request.RequestID, RequestEntry{Target: target, Source: source})
	return nil
}

func (b *Broker) handleLLMConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		return
	}
	b.track(socket)
	socket.Join(socket.ClientID())
	if b.relay != nil {
		b.relay.Attach(socket)
	}
	socket.On(schema.EventLLMRequest, b.handleLLMRequest)
}

func (b *Broker) handleLLMRequest(event *hub.Event) {
	socket := event.Socket()
	source := socket.ClientID()
	logger := b.logger.With("channel", schema.ChannelLLM, "client_id", source)

	var request schema.LLMRequest
	if err := event.Decode(&request); err != nil {
		logger.Warn("malformed LLM request", "error", err)
		b.metrics.LLMRequest(string(KindStructural))
		socket.Emit(schema.EventError, newError(KindStructural, "", "Malformed LLM request.").Wire())
		return
	}

	if err := b.SubmitLLMRequest(source, request); err != nil {
		var brokerErr *Error
		if errors.As(err, &brokerErr) {
			b.metrics.LLMRequest(string(brokerErr.Kind))
			socket.Emit(schema.EventError, brokerErr.Wire())
		}
		logger.Warn("LLM request rejected", "request_id", request.RequestID, "target", request.Target, "error", err)
		return
	}

	b.metrics.LLMRequest("accepted")
	logger.Debug("LLM request accepted", "request_id", request.RequestID, "target", request.Target)
	if b.relay != nil && b.relay.Forward(request.Target, event.Data) == 0 {
		logger.Warn("LLM request target has no live connection", "request_id", request.RequestID, "target", request.Target)
	}
}
