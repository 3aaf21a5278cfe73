// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/hostrelay/lib/clock"
)

func newTestTable(ttl time.Duration, maxPending int) (*RequestTable, *clock.FakeClock) {
	fake := clock.Fake(epoch)
	return NewRequestTable(RequestTableConfig{
		TTL:        ttl,
		MaxPending: maxPending,
		Clock:      fake,
		Logger:     discardLogger(),
	}), fake
}

func TestRequestTableAppendAndComplete(t *testing.T) {
	table, _ := newTestTable(time.Minute, 10)

	table.Append("r1", RequestEntry{Target: "host-1", Source: "ext-a"})
	table.Append("r1", RequestEntry{Target: "host-1", Source: "ext-b"})
	table.Append("r1", RequestEntry{Target: "host-2", Source: "ext-a"})

	if got := table.Entries("r1"); len(got) != 3 || got[2].Target != "host-2" {
		t.Errorf("entries = %+v", got)
	}
	if got := table.Sources("r1"); !slices.Equal(got, []string{"ext-a", "ext-b"}) {
		t.Errorf("sources = %v", got)
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}

	// Entries returns a copy.
	entries := table.Entries("r1")
	entries[0].Source = "changed"
	if table.Entries("r1")[0].Source != "ext-a" {
		t.Error("Entries exposed internal state")
	}

	if !table.Complete("r1") {
		t.Error("Complete(r1) = false")
	}
	if table.Complete("r1") {
		t.Error("second Complete(r1) = true")
	}
	if table.Entries("r1") != nil || table.Sources("r1") != nil {
		t.Error("completed request still has entries")
	}
}

func TestRequestTableEvictsOldest(t *testing.T) {
	table, fake := newTestTable(time.Minute, 2)

	table.Append("r1", RequestEntry{Target: "h", Source: "a"})
	fake.Advance(time.Second)
	table.Append("r2", RequestEntry{Target: "h", Source: "a"})
	// Adding to an existing id never evicts.
	if evicted := table.Append("r1", RequestEntry{Target: "h", Source: "b"}); evicted != nil {
		t.Errorf("append to existing id evicted %v", evicted)
	}

	evicted := table.Append("r3", RequestEntry{Target: "h", Source: "a"})
	if !slices.Equal(evicted, []string{"r1"}) {
		t.Errorf("evicted = %v, want [r1]", evicted)
	}
	if table.Len() != 2 || table.Entries("r1") != nil || table.Entries("r3") == nil {
		t.Errorf("table after eviction: len %d", table.Len())
	}
}

func TestRequestTableSweep(t *testing.T) {
	table, fake := newTestTable(time.Minute, 10)

	table.Append("old", RequestEntry{Target: "h", Source: "a"})
	fake.Advance(40 * time.Second)
	table.Append("new", RequestEntry{Target: "h", Source: "a"})
	fake.Advance(20 * time.Second)

	if dropped := table.Sweep(); dropped != 1 {
		t.Errorf("Sweep dropped %d, want 1", dropped)
	}
	if table.Entries("old") != nil || table.Entries("new") == nil {
		t.Error("Sweep dropped the wrong request")
	}
}

func TestRequestTablePeriodicSweep(t *testing.T) {
	table, fake := newTestTable(time.Minute, 10)
	table.Start()
	table.Append("r1", RequestEntry{Target: "h", Source: "a"})

	fake.Advance(30 * time.Second)
	if table.Len() != 1 {
		t.Fatal("request swept before its TTL")
	}
	fake.Advance(30 * time.Second)
	if table.Len() != 0 {
		t.Error("request not swept after its TTL")
	}

	table.Stop()
	if fake.PendingCount() != 0 {
		t.Errorf("%d timers pending after Stop", fake.PendingCount())
	}
	table.Append("r2", RequestEntry{Target: "h", Source: "a"})
	fake.Advance(5 * time.Minute)
	if table.Len() != 1 {
		t.Error("sweep ran after Stop")
	}
}
