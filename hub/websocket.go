// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// SocketPathPrefix is the HTTP path under which channels are served:
	// "/socket" is the default channel, "/socket/auth" is "/auth".
	SocketPathPrefix = "/socket"
)

// websocketConn adapts a gorilla websocket to Conn. It keeps the
// connection alive with pings and drops it when pongs stop.
type websocketConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	stopPing  chan struct{}
}

// NewWebsocketConn wraps an established websocket. The caller must not
// read or write conn directly afterwards.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	wrapped := &websocketConn{conn: conn, stopPing: make(chan struct{})}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go wrapped.pingLoop()
	return wrapped
}

func (w *websocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.Close()
				return
			}
		case <-w.stopPing:
			return
		}
	}
}

func (w *websocketConn) ReadFrame() (Frame, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return Frame{}, fmt.Errorf("decoding frame: %w", err)
		}
		return frame, nil
	}
}

func (w *websocketConn) WriteFrame(frame Frame) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(frame)
}

func (w *websocketConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopPing)
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = w.conn.Close()
	})
	return err
}

// WebsocketConfig configures NewWebsocketHandler.
type WebsocketConfig struct {
	// CheckOrigin decides whether to accept a browser origin. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// NewWebsocketHandler serves the server's namespaces over websocket at
// SocketPathPrefix and below.
func NewWebsocketHandler(server *Server, config WebsocketConfig) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel, ok := ChannelFromPath(r.URL.Path)
		if !ok || server.Lookup(channel) == nil {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
			return
		}
		if err := server.Serve(channel, NewWebsocketConn(conn)); err != nil {
			logger.Debug("connection rejected", "channel", channel, "remote", r.RemoteAddr, "error", err)
		}
	})
}

// ChannelFromPath maps an HTTP path to a channel name.
func ChannelFromPath(path string) (string, bool) {
	rest, found := strings.CutPrefix(path, SocketPathPrefix)
	if !found {
		return "", false
	}
	switch {
	case rest == "" || rest == "/":
		return "/", true
	case strings.HasPrefix(rest, "/"):
		return strings.TrimSuffix(rest, "/"), true
	}
	return "", false
}

// PathForChannel is the inverse of ChannelFromPath.
func PathForChannel(channel string) string {
	if channel == "/" || channel == "" {
		return SocketPathPrefix
	}
	return SocketPathPrefix + channel
}
