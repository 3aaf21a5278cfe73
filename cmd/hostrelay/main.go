// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/credential"
	"github.com/bureau-foundation/hostrelay/functions"
	"github.com/bureau-foundation/hostrelay/hub"
	"github.com/bureau-foundation/hostrelay/lib/config"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/secret"
	"github.com/bureau-foundation/hostrelay/lib/service"
	"github.com/bureau-foundation/hostrelay/lib/version"
	"github.com/bureau-foundation/hostrelay/metrics"
	"github.com/bureau-foundation/hostrelay/relay"
	"github.com/bureau-foundation/hostrelay/room"
	"github.com/bureau-foundation/hostrelay/trust"
)

const defaultConfigPath = "settings/settings.yaml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		listen      string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("hostrelay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the settings file (default $HOSTRELAY_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "json", "log format: json or text")
	flagSet.StringVar(&listen, "listen", "", "listen address, overriding listen_address")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("hostrelay %s\n", version.Full())
		return nil
	}

	logger, level, err := newLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if configPath == "" {
		configPath = os.Getenv(config.EnvironmentVariable)
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}
	settings, err := config.LoadOrCreate(configPath)
	if err != nil {
		logger.Warn("using default settings", "path", configPath, "error", err)
	}
	if listen != "" {
		settings.ListenAddress = listen
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	logger.Info("starting hostrelay",
		"version", version.Info(),
		"settings", configPath,
		"listen", settings.ListenAddress,
	)

	hostRelay, err := newApp(settings, configPath, logger)
	if err != nil {
		return err
	}
	defer hostRelay.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.Admin.SocketPath != "" {
		adminSocket := service.NewSocketServer(settings.Admin.SocketPath, logger)
		hostRelay.broker.RegisterAdminActions(adminSocket)
		go func() {
			if err := adminSocket.Serve(ctx); err != nil {
				logger.Error("admin socket failed", "path", settings.Admin.SocketPath, "error", err)
			}
		}()
	}

	handler := hostRelay.Handler()
	if level <= slog.LevelDebug {
		handler = requestlog.Wrap(handler)
	}
	server := &http.Server{
		Addr:              settings.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	logger.Info("listening", "address", settings.ListenAddress)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving %s: %w", settings.ListenAddress, err)
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger.
func newLogger(w io.Writer, level, format string) (*slog.Logger, slog.Level, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, 0, fmt.Errorf("invalid --log-level %q", level)
	}
	options := &slog.HandlerOptions{Level: parsed}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), parsed, nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), parsed, nil
	}
	return nil, 0, fmt.Errorf("invalid --log-format %q", format)
}

// app is the assembled server: registries, broker, relay and the HTTP
// surface.
type app struct {
	settings *config.Settings
	server   *hub.Server
	broker   *broker.Broker
	registry *prometheus.Registry
	identity *secret.Buffer
	logger   *slog.Logger
}

// newApp opens the credential store, loads trust records from the
// settings directory and wires the broker. The broker's background
// work is running when it returns.
func newApp(settings *config.Settings, settingsPath string, logger *slog.Logger) (*app, error) {
	a := &app{settings: settings, logger: logger}

	store, err := a.openCredentials()
	if err != nil {
		return nil, err
	}

	trustRegistry := trust.NewRegistry()
	rooms := room.NewRegistry()
	skip := []string{filepath.Base(settingsPath)}
	if settings.Credentials.File != "" {
		skip = append(skip, filepath.Base(settings.Credentials.File))
	}
	result, err := trust.Bootstrap(trust.BootstrapConfig{
		Dir:          settings.SettingsDir,
		HostPrefix:   settings.Hosts.IDPrefix,
		Skip:         skip,
		Registry:     trustRegistry,
		Credentials:  store,
		Descriptions: rooms.SetClientDescription,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("trust bootstrap failed, no client is trusted", "error", err)
	}
	logger.Info("trust records loaded",
		"hosts", len(trustRegistry.Hosts()),
		"extensions", len(trustRegistry.Extensions()),
		"passwords_migrated", len(result.Migrated),
		"skipped", len(result.Skipped),
	)
	// Rooms themselves are created on first authentication; settings
	// only record which ids are trusted.
	if err == nil && settingsChanged(settings, result) {
		settings.Rooms = result.Rooms
		settings.HostPasswords = result.HostPasswords
		if err := settings.Save(settingsPath); err != nil {
			logger.Error("saving settings failed, keeping in-memory settings",
				"kind", broker.KindPersistence, "path", settingsPath, "error", err)
		}
	}

	var brokerMetrics *metrics.Metrics
	if settings.Metrics.Enabled {
		a.registry = newRegistry()
		brokerMetrics = metrics.New(a.registry)
	}

	registry := broker.NewFunctionRegistry(logger)
	functions.Register(registry, functions.Config{
		Dir: settings.DataDir(),
		Protected: []string{
			settings.SettingsDir,
			settingsPath,
			settings.Credentials.File,
			settings.Credentials.IdentityFile,
			settings.Admin.SocketPath,
		},
	})

	a.server = hub.NewServer(logger)
	requests := broker.NewRequestTable(broker.RequestTableConfig{
		TTL:        settings.Requests.TTL,
		MaxPending: settings.Requests.MaxPending,
		Logger:     logger,
		Metrics:    brokerMetrics,
	})
	responses := relay.New(relay.Config{
		LLM:     a.server.Of(schema.ChannelLLM),
		Monitor: a.server.Of(schema.ChannelDefault),
		Table:   requests,
		Logger:  logger,
	})
	a.broker, err = broker.New(broker.Config{
		Hub:          a.server,
		Trust:        trustRegistry,
		Rooms:        rooms,
		Credentials:  store,
		Requests:     requests,
		Functions:    registry,
		Relay:        responses,
		Settings:     settings,
		SettingsPath: settingsPath,
		Logger:       logger,
		Metrics:      brokerMetrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.broker.Start()
	return a, nil
}

// settingsChanged reports whether a bootstrap result differs from what
// the settings file already holds.
func settingsChanged(settings *config.Settings, result *trust.BootstrapResult) bool {
	return len(result.Migrated) > 0 ||
		!slices.Equal(settings.Rooms, result.Rooms) ||
		!maps.Equal(settings.HostPasswords, result.HostPasswords)
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// openCredentials opens the credential store, sealed with the age
// identity when one is configured.
func (a *app) openCredentials() (*credential.Store, error) {
	files := a.settings.Credentials
	storeConfig := credential.Config{Logger: a.logger}
	if files.File != "" {
		snapshot := &credential.FileSnapshot{Path: files.File}
		if files.IdentityFile != "" {
			identity, err := secret.ReadFile(files.IdentityFile)
			if err != nil {
				return nil, fmt.Errorf("reading credential identity: %w", err)
			}
			a.identity = identity
			snapshot.Identity = identity
		}
		storeConfig.Snapshot = snapshot
	}
	store, err := credential.New(storeConfig)
	if err != nil {
		a.Close()
		return nil, err
	}
	return store, nil
}

// Handler serves the channels under /socket, plus /healthz and, when
// enabled, /metrics.
func (a *app) Handler() http.Handler {
	mux := http.NewServeMux()
	sockets := hub.NewWebsocketHandler(a.server, hub.WebsocketConfig{Logger: a.logger})
	mux.Handle(hub.SocketPathPrefix, sockets)
	mux.Handle(hub.SocketPathPrefix+"/", sockets)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	if a.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Close stops the broker and releases the credential identity.
func (a *app) Close() {
	if a.broker != nil {
		a.broker.Close()
	}
	if a.identity != nil {
		a.identity.Close()
	}
}
