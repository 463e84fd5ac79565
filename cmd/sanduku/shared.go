package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/layout"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		config.DefaultConfigPath(), "path to config file")
}

// engine bundles everything a CLI command needs: config, logger, and
// the three sandbox components wired together.
type engine struct {
	Config     *config.Config
	Logger     *slog.Logger
	Layout     *layout.Layout
	Metrics    *observability.MetricsCollector
	Executor   *sandbox.Executor
	Supervisor *sandbox.Supervisor
	Manager    *sandbox.Manager

	cleanups []func()
}

// Cleanup runs deferred teardown in reverse order.
func (e *engine) Cleanup() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
}

func (e *engine) addCleanup(fn func()) {
	e.cleanups = append(e.cleanups, fn)
}

// newEngine builds the full component stack. Callers must call Cleanup.
func newEngine() (*engine, error) {
	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", configPath))
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)

	base := cfg.Base
	var l *layout.Layout
	if base == "" {
		l, err = layout.Default()
	} else {
		l, err = layout.New(base)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing layout: %w", err)
	}
	logger.Debug("layout initialized", slog.String("base", l.Base))

	metrics := observability.NewMetricsCollector()

	ex := sandbox.NewExecutor(l, sandbox.ExecutorConfig{
		DefaultTimeout: cfg.Exec.Timeout(),
		OutputCap:      cfg.Exec.OutputCap(),
	}, logger, metrics)

	sup := sandbox.NewSupervisor(l, ex, sandbox.SupervisorConfig{
		MaxPerSandbox:    cfg.Supervisor.MaxProcesses(),
		LogCeiling:       cfg.Supervisor.LogCeiling(),
		LivenessSchedule: cfg.Supervisor.Liveness(),
		CleanupSchedule:  cfg.Supervisor.Cleanup(),
		RetainExited:     cfg.Supervisor.RetainExited(),
	}, logger, metrics)

	mgrCfg := sandbox.ManagerConfig{RootfsVersion: sandbox.CurrentRootfsVersion}
	// Asset sources are only needed for provisioning paths; commands
	// that never provision work without them.
	if src, err := cfg.Assets.ProotSource(); err == nil {
		mgrCfg.ProotSource = src
	}
	if src, err := cfg.Assets.RootfsSource(); err == nil {
		mgrCfg.RootfsSource = src
	}

	mgr := sandbox.NewManager(l, ex, sup, mgrCfg, logger, metrics)

	e := &engine{
		Config:     cfg,
		Logger:     logger,
		Layout:     l,
		Metrics:    metrics,
		Executor:   ex,
		Supervisor: sup,
		Manager:    mgr,
	}
	e.addCleanup(sup.Close)
	return e, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// parsePolicy maps the --policy flag to a validation policy.
func parsePolicy(s string) (sandbox.Policy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return sandbox.PolicyNone, nil
	case "read-only", "readonly", "ro":
		return sandbox.PolicyReadOnly, nil
	case "system-paths", "system", "sp":
		return sandbox.PolicySystemPaths, nil
	default:
		return sandbox.PolicyNone, fmt.Errorf("unknown policy %q (want none, read-only or system-paths)", s)
	}
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env pair %q (want KEY=VALUE)", p)
		}
		env[k] = v
	}
	return env, nil
}
