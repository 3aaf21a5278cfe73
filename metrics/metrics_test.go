// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// value returns the sample of metric name whose labels include
// label=labelValue (or the only sample when label is "").
func value(t *testing.T, registry *prometheus.Registry, name, label, labelValue string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := label == ""
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == labelValue {
					matched = true
				}
			}
			if !matched {
				continue
			}
			if counter := metric.GetCounter(); counter != nil {
				return counter.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("no sample for %s{%s=%q}", name, label, labelValue)
	return 0
}

func TestRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ConnectionOpened("/auth")
	m.ConnectionOpened("/auth")
	m.ConnectionClosed("/auth")
	m.Auth("accepted")
	m.Auth("accepted")
	m.Auth("temp_room")
	m.Reconnect("expired")
	m.SetRooms(3)
	m.LLMRequest("forbidden")
	m.SetPending(7)
	m.FunctionCall("local_ok")

	checks := []struct {
		name, label, labelValue string
		want                    float64
	}{
		{"hostrelay_connections_active", "channel", "/auth", 1},
		{"hostrelay_auth_total", "outcome", "accepted", 2},
		{"hostrelay_auth_total", "outcome", "temp_room", 1},
		{"hostrelay_reconnect_total", "outcome", "expired", 1},
		{"hostrelay_rooms_active", "", "", 3},
		{"hostrelay_llm_requests_total", "outcome", "forbidden", 1},
		{"hostrelay_pending_requests", "", "", 7},
		{"hostrelay_function_calls_total", "outcome", "local_ok", 1},
	}
	for _, check := range checks {
		if got := value(t, registry, check.name, check.label, check.labelValue); got != check.want {
			t.Errorf("%s{%s=%q} = %v, want %v", check.name, check.label, check.labelValue, got, check.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("/")
	m.ConnectionClosed("/")
	m.Auth("accepted")
	m.Reconnect("reconnected")
	m.SetRooms(1)
	m.LLMRequest("accepted")
	m.SetPending(1)
	m.FunctionCall("remote_ok")
}
