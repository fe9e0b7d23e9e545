// Package app wires configuration, the Wasm runtime and the plugin engine
// into one host process.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/internal/config"
	"github.com/woxQAQ/wasp/internal/metrics"
	"github.com/woxQAQ/wasp/internal/plugin"
	"github.com/woxQAQ/wasp/internal/wasm"
)

// GreetCallback is the builtin host callback every plugin may import.
const GreetCallback = "call_me"

type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	engine   *plugin.Engine
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	var opts []wasm.RuntimeOption
	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		m, err := metrics.New(registry)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, wasm.WithMetrics(m))
	}

	// Initialize Wasm runtime.
	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.ExecutionTimeout,
		EnableWASI:       cfg.Wasm.WASI,
		ReleaseResults:   cfg.Wasm.ReleaseResults,
	}

	wasmRuntime, err := wasm.NewRuntime(ctx, logger, wasmConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		engine:   plugin.NewEngine(wasmRuntime, logger),
	}

	if err := a.engine.AddCallback(GreetCallback, wasm.TextCallback(a.greet)); err != nil {
		_ = a.engine.Shutdown(ctx)
		return nil, err
	}

	for _, p := range cfg.Plugins {
		if _, err := a.engine.RegisterPlugin(ctx, p.Name, p.Path, &plugin.Config{Environment: p.Environment, Callbacks: p.Callbacks}); err != nil {
			_ = a.engine.Shutdown(ctx)
			return nil, err
		}
	}

	logger.Info("Host initialized",
		zap.Int("plugins", len(cfg.Plugins)),
		zap.Bool("metrics_enabled", cfg.MetricsEnabled),
		zap.Strings("callbacks", wasmRuntime.Imports().Names()),
	)

	return a, nil
}

func (a *App) greet(ctx context.Context, name string) (string, error) {
	fields := []zap.Field{zap.String("name", name)}
	if req, ok := wasm.RequestFromContext(ctx); ok {
		fields = append(fields, zap.String("instance", req.InstanceID()), zap.String("function", req.Function))
	}
	a.logger.Info("Greeting requested by guest", fields...)

	return "Hello " + name, nil
}

// Engine returns the plugin engine.
func (a *App) Engine() *plugin.Engine {
	return a.engine
}

// LoadFile registers the module at path under its base name without the
// .wasm extension, unless a plugin of that name is already registered.
func (a *App) LoadFile(ctx context.Context, path string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, ok := a.engine.Registry().Get(name); ok {
		return name, nil
	}
	if _, err := a.engine.RegisterPlugin(ctx, name, path, nil); err != nil {
		return "", err
	}
	return name, nil
}

// Instance creates an instance of a registered plugin.
func (a *App) Instance(ctx context.Context, name string) (*wasm.Instance, error) {
	return a.engine.GetInstance(ctx, name)
}

// MetricsSummary returns the current telemetry, or nil when metrics are
// disabled.
func (a *App) MetricsSummary() (map[string]float64, error) {
	if a.registry == nil {
		return nil, nil
	}
	return metrics.Summary(a.registry)
}

// Close logs the final telemetry and shuts the engine down.
func (a *App) Close(ctx context.Context) error {
	summary, err := a.MetricsSummary()
	if err != nil {
		a.logger.Warn("Failed to gather metrics", zap.Error(err))
	}
	if len(summary) > 0 {
		keys := make([]string, 0, len(summary))
		for k := range summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, zap.Float64(k, summary[k]))
		}
		a.logger.Info("Metrics summary", fields...)
	}

	return a.engine.Shutdown(ctx)
}
