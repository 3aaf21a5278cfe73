// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay moves LLM traffic between extensions and hosts.
//
// Accepted requests go to the target host's connections on the llm
// channel. Responses from a host, streamed as STREAM_CHUNK events
// ending in STREAM_END or sent whole as LLM_RESPONSE, go back to every
// client that submitted under the same request id, and are mirrored to
// the monitor room. The correlation table says where each response
// goes; the final event of a response completes its entry.
package relay

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/schema"
)

// Table is the part of the correlation table the relay uses.
type Table interface {
	Entries(requestID string) []broker.RequestEntry
	Complete(requestID string) bool
}

// Config configures a Relay. All fields but Logger are required.
type Config struct {
	// LLM is the llm channel, where requests and responses travel.
	LLM *hub.Namespace

	// Monitor is the default channel, whose monitor room sees a copy
	// of every response.
	Monitor *hub.Namespace

	Table  Table
	Logger *slog.Logger
}

// Relay implements broker.Relay.
type Relay struct {
	llm     *hub.Namespace
	monitor *hub.Namespace
	table   Table
	logger  *slog.Logger
}

// New returns a Relay.
func New(config Config) *Relay {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Relay{
		llm:     config.LLM,
		monitor: config.Monitor,
		table:   config.Table,
		logger:  config.Logger,
	}
}

// Forward sends an accepted request to target's llm connections.
func (r *Relay) Forward(target string, request json.RawMessage) int {
	return r.llm.To(target).Emit(schema.EventLLMRequest, request)
}

// Attach installs the response handlers on an llm-channel socket.
func (r *Relay) Attach(socket *hub.Socket) {
	r.setupStreamHandlers(socket)
	r.setupNonStreamHandlers(socket)
}

func (r *Relay) setupStreamHandlers(socket *hub.Socket) {
	socket.On(schema.EventStreamChunk, func(event *hub.Event) {
		r.forwardResponse(event, false)
	})
	socket.On(schema.EventStreamEnd, func(event *hub.Event) {
		r.forwardResponse(event, true)
	})
}

func (r *Relay) setupNonStreamHandlers(socket *hub.Socket) {
	socket.On(schema.EventLLMResponse, func(event *hub.Event) {
		r.forwardResponse(event, true)
	})
}

// forwardResponse delivers one response event to the request's
// sources. Only a host the request was forwarded to may answer it.
func (r *Relay) forwardResponse(event *hub.Event, final bool) {
	sender := event.Socket().ClientID()
	logger := r.logger.With("event", event.Name, "client_id", sender)

	var header schema.ResponseHeader
	if err := event.Decode(&header); err != nil || header.RequestID == "" {
		logger.Warn("response without request id, dropping")
		return
	}
	logger = logger.With("request_id", header.RequestID)

	entries := r.table.Entries(header.RequestID)
	if len(entries) == 0 {
		logger.Debug("response for unknown request, dropping")
		return
	}
	var sources []string
	addressed := false
	for _, entry := range entries {
		if entry.Target == sender {
			addressed = true
		}
		if !slices.Contains(sources, entry.Source) {
			sources = append(sources, entry.Source)
		}
	}
	if !addressed {
		logger.Warn("response from a client the request was not sent to, dropping")
		return
	}

	delivered := 0
	for _, source := range sources {
		delivered += r.llm.To(source).Emit(event.Name, event.Data)
	}
	r.monitor.To(schema.MonitorRoom).Emit(event.Name, event.Data)

	if final {
		r.table.Complete(header.RequestID)
		logger.Debug("response complete", "sources", len(sources), "delivered", delivered)
	}
	if delivered == 0 {
		logger.Warn("no live connection for response", "sources", sources)
	}
}
