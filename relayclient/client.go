// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayclient connects to a relay broker channel the way
// extensions and hosts do: a handshake identifying the client, then
// events in both directions, with acks for request/reply exchanges.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/hostrelay/hub"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("relay client closed")

const handshakeTimeout = 15 * time.Second

// Handler handles one event from the broker. When the broker asked for
// an ack, the handler's return value is sent as the reply; otherwise
// it is ignored.
type Handler func(data json.RawMessage) any

// Config configures Dial.
type Config struct {
	// URL is the broker's websocket base, such as
	// "ws://localhost:4000/socket". The channel path is appended.
	URL string

	Channel   string
	Handshake hub.Handshake

	// Handlers are installed before the first event is read, so none
	// is missed. More can be added later with On.
	Handlers map[string]Handler

	// Dialer defaults to websocket.DefaultDialer with a handshake
	// timeout.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// Client is one connection to a broker channel. Safe for concurrent
// use.
type Client struct {
	conn   hub.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan json.RawMessage
	err      error

	nextID    atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a websocket to config.Channel and sends the handshake.
func Dial(ctx context.Context, config Config) (*Client, error) {
	endpoint, err := ChannelURL(config.URL, config.Channel)
	if err != nil {
		return nil, err
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	return New(hub.NewWebsocketConn(conn), config)
}

// ChannelURL joins the websocket base URL and a channel's path.
func ChannelURL(base, channel string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing broker URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("broker URL %q must use ws or wss", base)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = hub.SocketPathPrefix
	}
	if channel != "" && channel != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + channel
	}
	return parsed.String(), nil
}

// New runs a client over an established connection, sending
// config.Handshake first. URL and Dialer are ignored. Dial uses it for
// websockets; tests use it with hub.Pipe.
func New(conn hub.Conn, config Config) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	data, err := json.Marshal(config.Handshake)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding handshake: %w", err)
	}
	if err := conn.WriteFrame(hub.Frame{Event: hub.HandshakeEvent, Data: data}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	client := &Client{
		conn:     conn,
		logger:   logger.With("client_id", config.Handshake.ClientID),
		handlers: make(map[string]Handler, len(config.Handlers)),
		pending:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	for event, handler := range config.Handlers {
		client.handlers[event] = handler
	}
	go client.readLoop()
	return client, nil
}

// On registers handler for event, replacing any previous one. Events
// that arrive before a handler is registered are dropped.
func (c *Client) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

// Emit sends an event without waiting for a reply.
func (c *Client) Emit(event string, data any) error {
	payload, err := encodeData(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	return c.write(hub.Frame{Event: event, Data: payload})
}

// Request sends an event and waits for the broker's ack.
func (c *Client) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	reply := make(chan json.RawMessage, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(hub.Frame{Event: event, Data: payload, ID: id}); err != nil {
		return nil, err
	}
	select {
	case data := <-reply:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.finish(ErrClosed)
	return nil
}

func (c *Client) write(frame hub.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("writing %s: %w", frame.Event, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.finish(fmt.Errorf("connection ended: %w", err))
			return
		}
		switch {
		case frame.Ack != "":
			c.resolve(frame)
		case frame.Event != "":
			c.dispatch(frame)
		}
	}
}

func (c *Client) resolve(frame hub.Frame) {
	c.mu.Lock()
	reply, exists := c.pending[frame.Ack]
	c.mu.Unlock()
	if !exists {
		c.logger.Debug("ack for unknown request", "ack", frame.Ack)
		return
	}
	select {
	case reply <- frame.Data:
	default:
	}
}

func (c *Client) dispatch(frame hub.Frame) {
	c.mu.Lock()
	handler := c.handlers[frame.Event]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Debug("no handler for event", "event", frame.Event)
		return
	}
	result := handler(frame.Data)
	if frame.ID == "" {
		return
	}
	payload, err := encodeData(result)
	if err != nil {
		c.logger.Error("encoding reply failed", "event", frame.Event, "error", err)
		return
	}
	if err := c.write(hub.Frame{Ack: frame.ID, Data: payload}); err != nil {
		c.logger.Debug("sending reply failed", "event", frame.Event, "error", err)
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

func encodeData(data any) (json.RawMessage, error) {
	switch value := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	}
	return json.Marshal(data)
}
