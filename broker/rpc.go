// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/schema"
)

const unknownFailure = "An unknown error occurred."

var errCallTimeout = errors.New("function call timed out")

// DispatchFunctionCall runs call and returns the JSON result to ack
// the caller with. Calls to the server sentinel run from the function
// registry. Other calls are forwarded to a live function-call
// connection of the target, whose reply is returned unmodified. Every
// failure is reported as a [schema.FunctionResult] with Success false.
func (b *Broker) DispatchFunctionCall(ctx context.Context, source string, call schema.FunctionCall, raw json.RawMessage) json.RawMessage {
	if call.Target == schema.TargetServer {
		return b.encodeResult(b.callLocal(ctx, call))
	}
	return b.callRemote(ctx, source, call, raw)
}

func (b *Broker) callLocal(ctx context.Context, call schema.FunctionCall) schema.FunctionResult {
	logger := b.logger.With("function", call.FunctionName, "request_id", call.RequestID)

	fn, exists := b.functions.Lookup(call.FunctionName)
	if !exists {
		logger.Warn("function not found")
		b.metrics.FunctionCall("not_found")
		return schema.FunctionFailure(call.RequestID, fmt.Sprintf("Function \"%s\" not found.", call.FunctionName))
	}

	ctx, cancel := b.callContext(ctx)
	defer cancel()
	value, err := invoke(ctx, fn, call.Args)
	if err != nil {
		logger.Error("function call failed", "error", err)
		b.metrics.FunctionCall("local_error")
		message := err.Error()
		if message == "" {
			message = unknownFailure
		}
		return schema.FunctionFailure(call.RequestID, message)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		logger.Error("function result is not JSON-encodable", "error", err)
		b.metrics.FunctionCall("local_error")
		return schema.FunctionFailure(call.RequestID, unknownFailure)
	}
	b.metrics.FunctionCall("local_ok")
	return schema.FunctionResult{RequestID: call.RequestID, Success: true, Result: encoded}
}

// invoke calls fn, turning a panic into an error.
func invoke(ctx context.Context, fn Function, args []json.RawMessage) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s (panic: %v)", unknownFailure, recovered)
		}
	}()
	return fn(ctx, args)
}

func (b *Broker) callRemote(ctx context.Context, source string, call schema.FunctionCall, raw json.RawMessage) json.RawMessage {
	logger := b.logger.With("function", call.FunctionName, "request_id", call.RequestID, "target", call.Target)

	if !b.CanSendMessage(source, call.Target) {
		logger.Warn("function call not allowed", "client_id", source)
		b.metrics.FunctionCall("forbidden")
		return b.encodeResult(schema.FunctionFailure(call.RequestID,
			fmt.Sprintf("Client %s is not allowed to send messages to room %s.", source, call.Target)))
	}

	unreachable := schema.FunctionFailure(call.RequestID, fmt.Sprintf("Target \"%s\" is unreachable.", call.Target))
	sockets := b.server.Of(schema.ChannelFunctionCall).To(call.Target).Sockets()
	if len(sockets) == 0 {
		logger.Warn("function call target has no live connection")
		b.metrics.FunctionCall("unreachable")
		return b.encodeResult(unreachable)
	}

	ctx, cancel := b.callContext(ctx)
	defer cancel()
	reply, err := sockets[0].Request(ctx, schema.EventFunctionCall, raw)
	switch {
	case err == nil:
		b.metrics.FunctionCall("remote_ok")
		return reply
	case errors.Is(context.Cause(ctx), errCallTimeout):
		logger.Warn("function call timed out")
		b.metrics.FunctionCall("timeout")
		return b.encodeResult(schema.FunctionFailure(call.RequestID,
			fmt.Sprintf("Function call to \"%s\" timed out.", call.FunctionName)))
	default:
		logger.Warn("function call target went away", "error", err)
		b.metrics.FunctionCall("unreachable")
		return b.encodeResult(unreachable)
	}
}

// callContext bounds a call by the configured RPC timeout, measured on
// the broker's clock.
func (b *Broker) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	b.mu.Lock()
	timeout := b.settings.RPC.Timeout
	b.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	timer := b.clock.AfterFunc(timeout, func() { cancel(errCallTimeout) })
	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

func (b *Broker) encodeResult(result schema.FunctionResult) json.RawMessage {
	encoded, err := json.Marshal(result)
	if err != nil {
		// FunctionResult holds only strings, a bool and valid JSON.
		panic(fmt.Sprintf("encoding function result: %v", err))
	}
	return encoded
}

func (b *Broker) handleFunctionCallConnection(socket *hub.Socket) {
	if !b.requireClientID(socket) {
		return
	}
	b.track(socket)
	socket.Join(socket.ClientID())
	socket.On(schema.EventFunctionCall, b.handleFunctionCall)
}

func (b *Broker) handleFunctionCall(event *hub.Event) {
	var call schema.FunctionCall
	if err := event.Decode(&call); err != nil {
		event.Ack(schema.FunctionFailure("", "Malformed function call."))
		return
	}
	source := event.Socket().ClientID()
	// The wait for a remote result must not hold up this connection's
	// other events.
	go func() {
		event.Ack(b.DispatchFunctionCall(b.ctx, source, call, event.Data))
	}()
}
