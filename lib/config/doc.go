// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and saves the hostrelay settings file.
//
// The settings file is chosen by the --config flag or the
// HOSTRELAY_CONFIG environment variable. Values in the file are merged
// over [Default]; ${HOME} and ${VAR:-default} are expanded in path
// fields after loading.
//
// Two parts of the file are written back by the server at runtime: the
// trust-derived rooms list and host password map (after the startup
// migration), and the reconnect timing pushed by a trusted host. [Save]
// rewrites the whole file through lib/atomicfile, so a failed write
// leaves the previous file intact.
//
// The file is YAML. Since YAML is a superset of JSON, a JSON settings
// file from an older deployment loads unchanged.
package config
