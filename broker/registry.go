// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Function is a server-side callable: it takes the call's ordered
// arguments and returns a JSON-encodable result or an error.
type Function func(ctx context.Context, args []json.RawMessage) (any, error)

// FunctionRegistry maps function names to their implementations. It is
// filled at startup from an explicit registration list. Safe for
// concurrent use.
type FunctionRegistry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionRegistry returns an empty registry. A nil logger uses
// slog.Default().
func NewFunctionRegistry(logger *slog.Logger) *FunctionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FunctionRegistry{logger: logger, functions: make(map[string]Function)}
}

// Register adds fn under name. Registering a name again replaces the
// earlier function and logs a warning.
func (r *FunctionRegistry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[name]; exists {
		r.logger.Warn("function already registered, overwriting", "function", name)
	}
	r.functions[name] = fn
	r.logger.Debug("function registered", "function", name)
}

// Lookup returns the function registered under name.
func (r *FunctionRegistry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, exists := r.functions[name]
	return fn, exists
}

// Names returns every registered name, sorted.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
