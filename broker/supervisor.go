// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/clock"
	"github.com/bureau-foundation/hostrelay/metrics"
)

// supervisorConfig configures a Supervisor.
type supervisorConfig struct {
	// channel names the channel being supervised, for logs.
	channel string

	// lock is held while a tick inspects and mutates state. Every
	// Supervisor method other than the tick expects the caller to hold
	// it already.
	lock sync.Locker

	clock clock.Clock

	// schedule returns the attempt limit and tick interval in force
	// when a grace period starts.
	schedule func() (attempts int, delay time.Duration)

	// reconnected reports whether clientID has a live connection other
	// than the one that dropped, and if so re-affirms its membership.
	// Called with lock held.
	reconnected func(clientID, droppedConnection string) bool

	// expired tears down clientID. Called with lock held, at most once
	// per grace period.
	expired func(clientID string)

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Supervisor runs the reconnection grace period of one channel: after
// a trusted client drops, it polls for a replacement connection at a
// fixed interval and tears the client down once the attempts run out.
//
// It keeps at most one timer per client id. Starting a grace period
// for a client that already has one replaces it.
type Supervisor struct {
	config supervisorConfig
	timers map[string]*reconnectTimer
}

// reconnectTimer is one grace period. The table entry is the identity
// of the period: a tick whose timer is no longer in the table was
// cancelled while it waited for the lock and does nothing.
type reconnectTimer struct {
	clientID          string
	droppedConnection string
	attempts          int
	maxAttempts       int
	delay             time.Duration
	handle            *clock.Timer
}

func newSupervisor(config supervisorConfig) *Supervisor {
	return &Supervisor{config: config, timers: make(map[string]*reconnectTimer)}
}

// Start begins a grace period for clientID, whose connection
// droppedConnection just closed.
func (s *Supervisor) Start(clientID, droppedConnection string) {
	if previous, exists := s.timers[clientID]; exists {
		previous.handle.Stop()
		delete(s.timers, clientID)
		s.config.logger.Debug("replacing reconnect timer", "channel", s.config.channel, "client_id", clientID)
	}

	maxAttempts, delay := s.config.schedule()
	timer := &reconnectTimer{
		clientID:          clientID,
		droppedConnection: droppedConnection,
		maxAttempts:       maxAttempts,
		delay:             delay,
	}
	s.timers[clientID] = timer
	s.arm(timer)
	s.config.logger.Info("client disconnected, grace period started",
		"channel", s.config.channel,
		"client_id", clientID,
		"attempts", maxAttempts,
		"delay", delay,
	)
}

// Cancel ends clientID's grace period, if any, and reports whether
// one was running.
func (s *Supervisor) Cancel(clientID string) bool {
	timer, exists := s.timers[clientID]
	if !exists {
		return false
	}
	timer.handle.Stop()
	delete(s.timers, clientID)
	return true
}

// Active reports whether clientID is in a grace period.
func (s *Supervisor) Active(clientID string) bool {
	_, exists := s.timers[clientID]
	return exists
}

// Len returns the number of running grace periods.
func (s *Supervisor) Len() int { return len(s.timers) }

// Stop cancels every grace period without tearing anything down.
func (s *Supervisor) Stop() {
	for clientID, timer := range s.timers {
		timer.handle.Stop()
		delete(s.timers, clientID)
	}
}

func (s *Supervisor) arm(timer *reconnectTimer) {
	timer.handle = s.config.clock.AfterFunc(timer.delay, func() { s.tick(timer) })
}

func (s *Supervisor) tick(timer *reconnectTimer) {
	s.config.lock.Lock()
	defer s.config.lock.Unlock()

	if s.timers[timer.clientID] != timer {
		return
	}
	logger := s.config.logger.With("channel", s.config.channel, "client_id", timer.clientID)

	if s.config.reconnected(timer.clientID, timer.droppedConnection) {
		delete(s.timers, timer.clientID)
		s.config.metrics.Reconnect("reconnected")
		logger.Info("client reconnected, grace period ended", "attempts", timer.attempts)
		return
	}

	timer.attempts++
	if timer.attempts >= timer.maxAttempts {
		delete(s.timers, timer.clientID)
		s.config.metrics.Reconnect("expired")
		logger.Warn("client failed to reconnect", "attempts", timer.attempts)
		s.config.expired(timer.clientID)
		return
	}

	logger.Debug("waiting for reconnect", "attempt", timer.attempts, "max_attempts", timer.maxAttempts)
	s.arm(timer)
}
