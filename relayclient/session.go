// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/hostrelay/lib/schema"
)

// SessionConfig configures Run.
type SessionConfig struct {
	Config

	// Connected is called with each new connection.
	Connected func(client *Client)

	// MinRetry and MaxRetry bound the delay between reconnects.
	// Defaults are 500ms and 30s.
	MinRetry time.Duration
	MaxRetry time.Duration

	// MaxAttempts stops Run once that many dials in a row have failed
	// without a long-lived connection in between. Zero retries
	// forever.
	MaxAttempts int

	// OnKey is called with each key the broker issues: a rotated
	// extension key or a host key delivered on first contact. The key
	// is also used for the next reconnect.
	OnKey func(key string)
}

// Session keeps one logical client connected, redialing with backoff
// whenever the connection drops. On the auth channel it follows key
// rotation so that reconnects present the current key.
type Session struct {
	config SessionConfig
	logger *slog.Logger

	mu     sync.Mutex
	key    string
	client *Client
}

// NewSession returns a session; call Run to connect.
func NewSession(config SessionConfig) *Session {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MinRetry <= 0 {
		config.MinRetry = 500 * time.Millisecond
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = 30 * time.Second
	}
	return &Session{
		config: config,
		logger: config.Logger.With("channel", config.Channel, "client_id", config.Handshake.ClientID),
		key:    config.Handshake.Key,
	}
}

// Key returns the key the next connection will present.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Client returns the current connection, or nil between connections.
func (s *Session) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Run connects and reconnects until ctx is done or MaxAttempts
// consecutive dials fail.
func (s *Session) Run(ctx context.Context) error {
	retry := &backoff.Backoff{Min: s.config.MinRetry, Max: s.config.MaxRetry, Factor: 2, Jitter: true}
	for {
		client, err := Dial(ctx, s.dialConfig())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt := int(retry.Attempt()) + 1
			if s.config.MaxAttempts > 0 && attempt >= s.config.MaxAttempts {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			delay := retry.Duration()
			s.logger.Warn("connection failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		connectedAt := time.Now()
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
		s.logger.Info("connected")
		if s.config.Connected != nil {
			s.config.Connected(client)
		}

		select {
		case <-ctx.Done():
			client.Close()
			s.detach()
			return ctx.Err()
		case <-client.Done():
			s.detach()
		}
		// Only a connection that lasted resets the backoff.
		if time.Since(connectedAt) > s.config.MaxRetry {
			retry.Reset()
		}
		delay := retry.Duration()
		s.logger.Warn("connection lost, reconnecting", "delay", delay, "error", client.Err())
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// dialConfig returns the connection config with the current key and
// the key handlers added.
func (s *Session) dialConfig() Config {
	config := s.config.Config
	config.Handshake.Key = s.Key()
	config.Handlers = make(map[string]Handler, len(s.config.Handlers)+2)
	for event, handler := range s.config.Handlers {
		config.Handlers[event] = handler
	}
	for _, event := range []string{schema.EventKeyRotated, schema.EventMessage} {
		next := config.Handlers[event]
		config.Handlers[event] = func(data json.RawMessage) any {
			s.recordKey(data)
			if next != nil {
				return next(data)
			}
			return nil
		}
	}
	return config
}

func (s *Session) detach() {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

// recordKey keeps a key delivered by the broker for the next dial.
func (s *Session) recordKey(data json.RawMessage) {
	var delivery schema.KeyDelivery
	if err := json.Unmarshal(data, &delivery); err != nil || delivery.Key == "" {
		return
	}
	s.mu.Lock()
	s.key = delivery.Key
	s.mu.Unlock()
	s.logger.Info("broker issued a new key")
	if s.config.OnKey != nil {
		s.config.OnKey(delivery.Key)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
