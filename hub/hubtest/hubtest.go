// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hubtest provides an in-memory client for tests of code that
// serves hub channels.
package hubtest

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/hub"
)

// Timeout bounds every wait in this package.
const Timeout = 5 * time.Second

// Client is the client end of an in-memory connection to a hub.Server.
type Client struct {
	t      *testing.T
	conn   hub.Conn
	frames chan hub.Frame

	// backlog holds frames skipped over while waiting for an ack.
	backlog []hub.Frame
	nextID  int
}

// Connect serves a new pipe connection on channel, sending handshake
// as its first frame. The connection is closed when the test ends.
func Connect(t *testing.T, server *hub.Server, channel string, handshake hub.Handshake) *Client {
	t.Helper()
	clientEnd, serverEnd := hub.Pipe()
	client := &Client{t: t, conn: clientEnd, frames: make(chan hub.Frame, 256)}

	data, err := json.Marshal(handshake)
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}
	if err := clientEnd.WriteFrame(hub.Frame{Event: hub.HandshakeEvent, Data: data}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	go server.Serve(channel, serverEnd)
	go func() {
		defer close(client.frames)
		for {
			frame, err := clientEnd.ReadFrame()
			if err != nil {
				return
			}
			client.frames <- frame
		}
	}()
	t.Cleanup(func() { clientEnd.Close() })
	return client
}

// Emit sends an event without asking for an ack.
func (c *Client) Emit(event string, data any) {
	c.t.Helper()
	c.write(hub.Frame{Event: event, Data: c.encode(data)})
}

// Call sends an event, waits for its ack and returns the ack data.
// Events that arrive in the meantime are kept for Next.
func (c *Client) Call(event string, data any) json.RawMessage {
	c.t.Helper()
	c.nextID++
	id := "c" + strconv.Itoa(c.nextID)
	c.write(hub.Frame{Event: event, Data: c.encode(data), ID: id})

	deadline := time.After(Timeout)
	for {
		select {
		case frame, open := <-c.frames:
			if !open {
				c.t.Fatalf("connection closed waiting for ack of %s", event)
			}
			if frame.Ack == id {
				return frame.Data
			}
			c.backlog = append(c.backlog, frame)
		case <-deadline:
			c.t.Fatalf("timed out waiting for ack of %s", event)
		}
	}
}

// CallInto is Call followed by decoding the ack into v.
func (c *Client) CallInto(event string, data any, v any) {
	c.t.Helper()
	reply := c.Call(event, data)
	if err := json.Unmarshal(reply, v); err != nil {
		c.t.Fatalf("decoding ack of %s (%s): %v", event, reply, err)
	}
}

// Reply acks a request the server sent.
func (c *Client) Reply(request hub.Frame, data any) {
	c.t.Helper()
	if request.ID == "" {
		c.t.Fatalf("event %s did not ask for an ack", request.Event)
	}
	c.write(hub.Frame{Ack: request.ID, Data: c.encode(data)})
}

// Next returns the next frame from the server.
func (c *Client) Next() hub.Frame {
	c.t.Helper()
	if len(c.backlog) > 0 {
		frame := c.backlog[0]
		c.backlog = c.backlog[1:]
		return frame
	}
	select {
	case frame, open := <-c.frames:
		if !open {
			c.t.Fatal("connection closed waiting for frame")
		}
		return frame
	case <-time.After(Timeout):
		c.t.Fatal("timed out waiting for frame")
	}
	return hub.Frame{}
}

// Expect returns the data of the next frame, failing unless it is
// event.
func (c *Client) Expect(event string) json.RawMessage {
	c.t.Helper()
	frame := c.Next()
	if frame.Event != event {
		c.t.Fatalf("got event %q (%s), want %q", frame.Event, frame.Data, event)
	}
	return frame.Data
}

// ExpectInto is Expect followed by decoding the data into v.
func (c *Client) ExpectInto(event string, v any) {
	c.t.Helper()
	data := c.Expect(event)
	if err := json.Unmarshal(data, v); err != nil {
		c.t.Fatalf("decoding %s (%s): %v", event, data, err)
	}
}

// ExpectNothing fails if a frame arrives within wait.
func (c *Client) ExpectNothing(wait time.Duration) {
	c.t.Helper()
	if len(c.backlog) > 0 {
		c.t.Fatalf("unexpected event %q (%s)", c.backlog[0].Event, c.backlog[0].Data)
	}
	select {
	case frame, open := <-c.frames:
		if open {
			c.t.Fatalf("unexpected event %q (%s)", frame.Event, frame.Data)
		}
	case <-time.After(wait):
	}
}

// ExpectClosed waits for the server to close the connection,
// discarding any frames still in flight.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case _, open := <-c.frames:
			if !open {
				return
			}
		case <-deadline:
			c.t.Fatal("timed out waiting for the server to close the connection")
		}
	}
}

// Close closes the client end.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) write(frame hub.Frame) {
	c.t.Helper()
	if err := c.conn.WriteFrame(frame); err != nil {
		c.t.Fatalf("write %s: %v", frame.Event, err)
	}
}

func (c *Client) encode(data any) json.RawMessage {
	c.t.Helper()
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	return encoded
}
