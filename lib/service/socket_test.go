// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/codec"
	"github.com/bureau-foundation/hostrelay/lib/testutil"
)

func startServer(t *testing.T, register func(*SocketServer)) string {
	t.Helper()
	socketPath := testutil.SocketPath(t, "admin.sock")
	server := NewSocketServer(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server shutdown")
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", socketPath)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallDecodesData(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.Handle("generate-client-key", func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				ClientID string `cbor:"clientId"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return map[string]string{"clientId": request.ClientID, "key": "k-" + request.ClientID}, nil
		})
	})

	var result struct {
		ClientID string `cbor:"clientId"`
		Key      string `cbor:"key"`
	}
	err := NewClient(socketPath).Call(context.Background(), "generate-client-key",
		map[string]any{"clientId": "ext-1"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.ClientID != "ext-1" || result.Key != "k-ext-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallNilResult(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.Handle("remove-client-key", func(ctx context.Context, raw []byte) (any, error) {
			return nil, nil
		})
	})
	if err := NewClient(socketPath).Call(context.Background(), "remove-client-key", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCallHandlerError(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.Handle("clients-in-room", func(ctx context.Context, raw []byte) (any, error) {
			return nil, fmt.Errorf("room %q does not exist", "ghost")
		})
	})

	err := NewClient(socketPath).Call(context.Background(), "clients-in-room", nil, nil)
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
	if serviceError.Message != `room "ghost" does not exist` {
		t.Errorf("message = %q", serviceError.Message)
	}
}

func TestCallUnknownAction(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {})
	err := NewClient(socketPath).Call(context.Background(), "explode", nil, nil)
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) || serviceError.Message != `unknown action "explode"` {
		t.Fatalf("error = %v", err)
	}
}

func TestCallConnectionFailureIsNotServiceError(t *testing.T) {
	missing := testutil.SocketPath(t, "missing.sock")
	err := NewClient(missing).Call(context.Background(), "status", nil, nil)
	var serviceError *ServiceError
	if err == nil || errors.As(err, &serviceError) {
		t.Fatalf("error = %v, want a plain connection error", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := NewSocketServer("/unused", nil)
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Handle did not panic")
		}
	}()
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
}
