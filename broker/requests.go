// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/clock"
	"github.com/bureau-foundation/hostrelay/metrics"
)

// RequestEntry is one forwarding of a request: who asked, and which
// host it went to.
type RequestEntry struct {
	Target string
	Source string
}

// RequestTableConfig configures a RequestTable.
type RequestTableConfig struct {
	// TTL bounds how long an uncompleted request id is kept.
	TTL time.Duration

	// MaxPending bounds the number of request ids. Appending a new id
	// beyond it evicts the oldest.
	MaxPending int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// RequestTable is the correlation table from request id to the
// forwardings made under it. The response relay reads it to find where
// responses go and completes entries when a response finishes. Safe
// for concurrent use.
type RequestTable struct {
	ttl        time.Duration
	maxPending int
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu sync.Mutex
	// order holds *pendingRequest, oldest first. Appending to an
	// existing id keeps its position.
	order   *list.List
	byID    map[string]*list.Element
	sweeper *clock.Timer
	stopped bool
}

type pendingRequest struct {
	id      string
	created time.Time
	entries []RequestEntry
}

// NewRequestTable returns an empty table. Call Start to begin the
// periodic TTL sweep.
func NewRequestTable(config RequestTableConfig) *RequestTable {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RequestTable{
		ttl:        config.TTL,
		maxPending: config.MaxPending,
		clock:      config.Clock,
		logger:     config.Logger,
		metrics:    config.Metrics,
		order:      list.New(),
		byID:       make(map[string]*list.Element),
	}
}

// Append records entry under requestID, creating the id if needed.
// It returns the ids evicted to stay within MaxPending.
func (t *RequestTable) Append(requestID string, entry RequestEntry) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if element, exists := t.byID[requestID]; exists {
		pending := element.Value.(*pendingRequest)
		pending.entries = append(pending.entries, entry)
		return nil
	}

	var evicted []string
	for t.maxPending > 0 && len(t.byID) >= t.maxPending {
		oldest := t.order.Front()
		id := oldest.Value.(*pendingRequest).id
		t.removeLocked(oldest)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		t.logger.Warn("correlation table full, evicted oldest requests",
			"evicted", evicted, "max_pending", t.maxPending)
	}

	pending := &pendingRequest{id: requestID, created: t.clock.Now(), entries: []RequestEntry{entry}}
	t.byID[requestID] = t.order.PushBack(pending)
	t.metrics.SetPending(len(t.byID))
	return evicted
}

// Entries returns a copy of requestID's entries in append order.
func (t *RequestTable) Entries(requestID string) []RequestEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	element, exists := t.byID[requestID]
	if !exists {
		return nil
	}
	return append([]RequestEntry(nil), element.Value.(*pendingRequest).entries...)
}

// Sources returns the distinct source client ids of requestID, in the
// order they first appear.
func (t *RequestTable) Sources(requestID string) []string {
	entries := t.Entries(requestID)
	seen := make(map[string]bool, len(entries))
	var sources []string
	for _, entry := range entries {
		if !seen[entry.Source] {
			seen[entry.Source] = true
			sources = append(sources, entry.Source)
		}
	}
	return sources
}

// Complete removes requestID and reports whether it was present.
func (t *RequestTable) Complete(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	element, exists := t.byID[requestID]
	if !exists {
		return false
	}
	t.removeLocked(element)
	return true
}

// Len returns the number of request ids.
func (t *RequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Sweep drops every request id older than TTL and returns how many it
// dropped.
func (t *RequestTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-t.ttl)
	dropped := 0
	for element := t.order.Front(); element != nil; element = t.order.Front() {
		if element.Value.(*pendingRequest).created.After(cutoff) {
			break
		}
		t.removeLocked(element)
		dropped++
	}
	if dropped > 0 {
		t.logger.Info("expired uncompleted requests", "count", dropped, "ttl", t.ttl)
	}
	return dropped
}

// Start sweeps every TTL/2 until Stop.
func (t *RequestTable) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sweeper != nil || t.stopped || t.ttl <= 0 {
		return
	}
	t.scheduleLocked()
}

// Stop ends the periodic sweep.
func (t *RequestTable) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.sweeper.Stop()
}

func (t *RequestTable) scheduleLocked() {
	interval := max(t.ttl/2, time.Millisecond)
	t.sweeper = t.clock.AfterFunc(interval, func() {
		t.Sweep()
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.stopped {
			t.scheduleLocked()
		}
	})
}

func (t *RequestTable) removeLocked(element *list.Element) {
	delete(t.byID, element.Value.(*pendingRequest).id)
	t.order.Remove(element)
	t.metrics.SetPending(len(t.byID))
}
