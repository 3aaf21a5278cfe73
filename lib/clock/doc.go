// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the broker's
// timers.
//
// Reconnection grace periods, correlation-table sweeps, and forwarded
// function-call deadlines all schedule work with AfterFunc. Production
// code injects Real(); tests inject Fake() and step time with Advance,
// which runs due callbacks synchronously in the calling goroutine.
//
// Callbacks registered from another goroutine (for example a socket's
// disconnect handler) race with the test's Advance. WaitForTimers
// closes that window:
//
//	client.Close()
//	fakeClock.WaitForTimers(1)      // disconnect handler armed its timer
//	fakeClock.Advance(time.Second)  // first tick runs deterministically
package clock
