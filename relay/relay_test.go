// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/hub/hubtest"
	"github.com/bureau-foundation/hostrelay/lib/schema"
)

const quiet = 50 * time.Millisecond

type fixture struct {
	server *hub.Server
	table  *broker.RequestTable
	relay  *Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := hub.NewServer(logger)
	table := broker.NewRequestTable(broker.RequestTableConfig{
		TTL:        time.Minute,
		MaxPending: 100,
		Logger:     logger,
	})
	f := &fixture{server: server, table: table}
	f.relay = New(Config{
		LLM:     server.Of(schema.ChannelLLM),
		Monitor: server.Of(schema.ChannelDefault),
		Table:   table,
		Logger:  logger,
	})

	server.Of(schema.ChannelLLM).OnConnection(func(socket *hub.Socket) {
		socket.Join(socket.ClientID())
		f.relay.Attach(socket)
		socket.On("sync", func(event *hub.Event) { event.Ack(true) })
	})
	server.Of(schema.ChannelDefault).OnConnection(func(socket *hub.Socket) {
		socket.Join(schema.MonitorRoom)
		socket.On("sync", func(event *hub.Event) { event.Ack(true) })
	})
	return f
}

// connect returns a client whose connection handler has finished.
func (f *fixture) connect(t *testing.T, channel, clientID string) *hubtest.Client {
	t.Helper()
	client := hubtest.Connect(t, f.server, channel, hub.Handshake{ClientID: clientID})
	client.Call("sync", nil)
	return client
}

func TestForwardReachesTargetOnly(t *testing.T) {
	f := newFixture(t)
	host := f.connect(t, schema.ChannelLLM, "host-1")
	other := f.connect(t, schema.ChannelLLM, "host-2")

	request := json.RawMessage(`{"target":"host-1","requestId":"r1","payload":{"prompt":"hi"}}`)
	if delivered := f.relay.Forward("host-1", request); delivered != 1 {
		t.Fatalf("Forward delivered to %d connections, want 1", delivered)
	}
	if got := host.Expect(schema.EventLLMRequest); string(got) != string(request) {
		t.Errorf("host received %s, want %s", got, request)
	}
	other.ExpectNothing(quiet)
}

func TestStreamReachesEverySourceAndMonitor(t *testing.T) {
	f := newFixture(t)
	host := f.connect(t, schema.ChannelLLM, "host-1")
	extA := f.connect(t, schema.ChannelLLM, "ext-a")
	extB := f.connect(t, schema.ChannelLLM, "ext-b")
	monitor := f.connect(t, schema.ChannelDefault, "monitor-1")

	f.table.Append("r1", broker.RequestEntry{Target: "host-1", Source: "ext-a"})
	f.table.Append("r1", broker.RequestEntry{Target: "host-1", Source: "ext-b"})

	chunk := json.RawMessage(`{"requestId":"r1","chunk":"Hel"}`)
	host.Emit(schema.EventStreamChunk, chunk)
	for _, client := range []*hubtest.Client{extA, extB, monitor} {
		if got := client.Expect(schema.EventStreamChunk); string(got) != string(chunk) {
			t.Errorf("chunk = %s, want %s", got, chunk)
		}
	}
	if f.table.Len() != 1 {
		t.Fatal("a chunk completed the request")
	}

	end := json.RawMessage(`{"requestId":"r1"}`)
	host.Emit(schema.EventStreamEnd, end)
	host.Call("sync", nil)
	for _, client := range []*hubtest.Client{extA, extB, monitor} {
		client.Expect(schema.EventStreamEnd)
	}
	if f.table.Len() != 0 {
		t.Errorf("table holds %d requests after STREAM_END, want 0", f.table.Len())
	}

	// Late chunks for a finished request go nowhere.
	host.Emit(schema.EventStreamChunk, chunk)
	host.Call("sync", nil)
	extA.ExpectNothing(quiet)
}

func TestWholeResponseCompletes(t *testing.T) {
	f := newFixture(t)
	host := f.connect(t, schema.ChannelLLM, "host-1")
	ext := f.connect(t, schema.ChannelLLM, "ext-a")
	f.table.Append("r2", broker.RequestEntry{Target: "host-1", Source: "ext-a"})

	host.Emit(schema.EventLLMResponse, map[string]string{"requestId": "r2", "text": "done"})
	host.Call("sync", nil)

	var response struct {
		RequestID string `json:"requestId"`
		Text      string `json:"text"`
	}
	ext.ExpectInto(schema.EventLLMResponse, &response)
	if response.RequestID != "r2" || response.Text != "done" {
		t.Errorf("response = %+v", response)
	}
	if f.table.Len() != 0 {
		t.Error("LLM_RESPONSE did not complete the request")
	}
}

func TestResponseFromUnaddressedClientDropped(t *testing.T) {
	f := newFixture(t)
	f.connect(t, schema.ChannelLLM, "host-1")
	impostor := f.connect(t, schema.ChannelLLM, "host-2")
	ext := f.connect(t, schema.ChannelLLM, "ext-a")
	f.table.Append("r3", broker.RequestEntry{Target: "host-1", Source: "ext-a"})

	impostor.Emit(schema.EventStreamEnd, map[string]string{"requestId": "r3"})
	impostor.Call("sync", nil)

	ext.ExpectNothing(quiet)
	if f.table.Len() != 1 {
		t.Error("a response from a host the request was not sent to completed it")
	}
}

func TestResponseWithoutKnownRequestDropped(t *testing.T) {
	f := newFixture(t)
	host := f.connect(t, schema.ChannelLLM, "host-1")
	ext := f.connect(t, schema.ChannelLLM, "ext-a")
	monitor := f.connect(t, schema.ChannelDefault, "monitor-1")

	host.Emit(schema.EventStreamChunk, map[string]string{"requestId": "never-sent"})
	host.Emit(schema.EventStreamChunk, map[string]string{"chunk": "no id"})
	host.Call("sync", nil)

	ext.ExpectNothing(quiet)
	monitor.ExpectNothing(quiet)
}
