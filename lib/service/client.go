// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/codec"
)

const (
	dialTimeout = 5 * time.Second

	// callTimeout bounds a call whose context has no earlier deadline.
	callTimeout     = 45 * time.Second
	maxResponseSize = 1024 * 1024
)

// ServiceError is a failure reported by the server (ok=false), as
// opposed to a connection or encoding failure.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client calls actions on an admin socket, one connection per call.
type Client struct {
	socketPath string
}

// NewClient returns a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends action with fields and decodes the response data into
// result when both are present. A field named "action" is overwritten.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := map[string]any{"action": action}
	for key, value := range fields {
		if key != "action" {
			request[key] = value
		}
	}

	response, err := c.roundTrip(ctx, request)
	if err != nil {
		return fmt.Errorf("admin socket %s: %s: %w", c.socketPath, action, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result == nil || len(response.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(response.Data, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", action, err)
	}
	return nil
}

// roundTrip writes one request, half-closes, and reads one response.
func (c *Client) roundTrip(ctx context.Context, request map[string]any) (Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	deadline, hasDeadline := ctx.Deadline()
	if limit := time.Now().Add(callTimeout); !hasDeadline || limit.Before(deadline) {
		deadline = limit
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return Response{}, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return response, nil
}
