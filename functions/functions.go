// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package functions holds the functions the broker runs itself when a
// function call targets the server.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/lib/atomicfile"
	"github.com/bureau-foundation/hostrelay/lib/clock"
)

// Config configures the built-in functions.
type Config struct {
	// Dir confines the file functions. Paths are relative to it and
	// may not leave it.
	Dir string

	// Protected lists server state the file functions refuse to touch.
	// A directory protects the files directly in it, a file protects
	// itself.
	Protected []string

	Clock clock.Clock
}

// Register adds every built-in function to registry.
func Register(registry *broker.FunctionRegistry, config Config) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	files := fileFunctions{dir: config.Dir}
	for _, path := range config.Protected {
		if path != "" {
			files.protected = append(files.protected, absolute(path))
		}
	}

	registry.Register("readJsonFromFile", files.readJSON)
	registry.Register("saveJsonToFile", files.saveJSON)
	registry.Register("ping", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return "pong", nil
	})
	registry.Register("getServerTime", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return config.Clock.Now().UTC().Format(time.RFC3339Nano), nil
	})
}

type fileFunctions struct {
	dir       string
	protected []string
}

// readJSON(path) returns {"result": <file contents>}.
func (f fileFunctions) readJSON(ctx context.Context, args []json.RawMessage) (any, error) {
	path, err := f.pathArgument(args)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s does not contain valid JSON", filepath.Base(path))
	}
	return map[string]json.RawMessage{"result": data}, nil
}

// saveJSON(path, data) writes data as indented JSON, replacing the
// file atomically.
func (f fileFunctions) saveJSON(ctx context.Context, args []json.RawMessage) (any, error) {
	path, err := f.pathArgument(args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, errors.New("saveJsonToFile requires a data argument")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", filepath.Base(path), err)
	}
	if err := atomicfile.WriteJSON(path, args[1], 0o644); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// pathArgument resolves the first argument inside the confining
// directory.
func (f fileFunctions) pathArgument(args []json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", errors.New("a path argument is required")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return "", errors.New("the path argument must be a non-empty string")
	}
	name = filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("path %q is outside the data directory", name)
	}
	path := filepath.Join(f.dir, name)
	resolved := absolute(path)
	for _, protected := range f.protected {
		if resolved == protected || filepath.Dir(resolved) == protected {
			return "", fmt.Errorf("path %q is reserved for server state", name)
		}
	}
	return path, nil
}

func absolute(path string) string {
	if resolved, err := filepath.Abs(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
