// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the broker's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics, so components take
// an optional metrics pointer and record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's collectors.
type Metrics struct {
	connections   *prometheus.GaugeVec
	auth          *prometheus.CounterVec
	reconnect     *prometheus.CounterVec
	rooms         prometheus.Gauge
	llmRequests   *prometheus.CounterVec
	pending       prometheus.Gauge
	functionCalls *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hostrelay_connections_active",
			Help: "Open connections per channel.",
		}, []string{"channel"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostrelay_auth_total",
			Help: "Auth channel handshakes by outcome.",
		}, []string{"outcome"}),
		reconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostrelay_reconnect_total",
			Help: "Reconnection grace periods by how they ended.",
		}, []string{"outcome"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostrelay_rooms_active",
			Help: "Rooms currently registered.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostrelay_llm_requests_total",
			Help: "LLM requests by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostrelay_pending_requests",
			Help: "Request ids in the correlation table.",
		}),
		functionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostrelay_function_calls_total",
			Help: "Function calls by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.connections,
		m.auth,
		m.reconnect,
		m.rooms,
		m.llmRequests,
		m.pending,
		m.functionCalls,
	)
	return m
}

func (m *Metrics) ConnectionOpened(channel string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConnectionClosed(channel string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(channel).Dec()
}

func (m *Metrics) Auth(outcome string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnect.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

func (m *Metrics) LLMRequest(outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

func (m *Metrics) FunctionCall(outcome string) {
	if m == nil {
		return
	}
	m.functionCalls.WithLabelValues(outcome).Inc()
}
