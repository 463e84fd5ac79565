// Package config handles loading and validating sanduku configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultConfigPath returns the config file location, overridable via
// SANDUKU_CONFIG.
func DefaultConfigPath() string {
	return goutils.Env("SANDUKU_CONFIG", "config.yaml")
}

// Config is the root configuration for sanduku.
type Config struct {
	// Base is the directory holding the confinement helper, rootfs,
	// overlay and sandboxes. Default: ~/.sanduku. Override: SANDUKU_BASE.
	Base string `json:"base,omitempty" yaml:"base,omitempty"`

	Assets     AssetsConfig      `json:"assets" yaml:"assets"`
	Exec       ExecConfig        `json:"exec" yaml:"exec"`
	Supervisor SupervisorConfig  `json:"supervisor" yaml:"supervisor"`
	Serve      *ServeConfig      `json:"serve,omitempty" yaml:"serve,omitempty"` // nil = serve mode disabled
	LogLevel   string            `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// AssetsConfig locates the provisioning assets per CPU architecture.
// Each source is either a local file path or an http(s) URL.
type AssetsConfig struct {
	// Proot maps GOARCH (e.g. "arm64", "amd64") to the confinement
	// helper binary source.
	Proot map[string]string `json:"proot" yaml:"proot"`

	// Rootfs maps GOARCH to the rootfs tar / tar.gz archive source.
	Rootfs map[string]string `json:"rootfs" yaml:"rootfs"`
}

// ProotSource returns the confinement helper source for the current
// architecture, or an error naming the missing architecture.
func (a *AssetsConfig) ProotSource() (string, error) {
	return a.source(a.Proot, "proot binary")
}

// RootfsSource returns the rootfs archive source for the current
// architecture.
func (a *AssetsConfig) RootfsSource() (string, error) {
	return a.source(a.Rootfs, "rootfs archive")
}

func (a *AssetsConfig) source(m map[string]string, what string) (string, error) {
	src, ok := m[runtime.GOARCH]
	if !ok || src == "" {
		return "", fmt.Errorf("no %s configured for architecture %q", what, runtime.GOARCH)
	}
	return src, nil
}

// ExecConfig configures foreground command execution.
type ExecConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 300 (5 min).
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"` // Default: 1 MB per stream.
}

// Timeout returns the foreground execution timeout, defaulting to 5 minutes.
func (e *ExecConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// OutputCap returns the per-stream captured output cap, defaulting to 1 MB.
func (e *ExecConfig) OutputCap() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 1 << 20
}

// SupervisorConfig configures background process supervision.
type SupervisorConfig struct {
	MaxPerSandbox        int    `json:"max_per_sandbox" yaml:"max_per_sandbox"`                 // Default: 10.
	LogMaxBytes          int64  `json:"log_max_bytes" yaml:"log_max_bytes"`                     // Default: 10 MB per stream.
	LivenessSchedule     string `json:"liveness_schedule" yaml:"liveness_schedule"`             // cron spec. Default: "@every 5s".
	CleanupSchedule      string `json:"cleanup_schedule" yaml:"cleanup_schedule"`               // cron spec. Default: "@every 1h".
	RetainExitedHours    int    `json:"retain_exited_hours" yaml:"retain_exited_hours"`         // Default: 24.
}

// MaxProcesses returns the per-sandbox background process cap, defaulting to 10.
func (s *SupervisorConfig) MaxProcesses() int {
	if s.MaxPerSandbox > 0 {
		return s.MaxPerSandbox
	}
	return 10
}

// LogCeiling returns the per-stream log size ceiling, defaulting to 10 MB.
func (s *SupervisorConfig) LogCeiling() int64 {
	if s.LogMaxBytes > 0 {
		return s.LogMaxBytes
	}
	return 10 << 20
}

// Liveness returns the liveness sweep cron schedule, defaulting to every 5s.
func (s *SupervisorConfig) Liveness() string {
	if s.LivenessSchedule != "" {
		return s.LivenessSchedule
	}
	return "@every 5s"
}

// Cleanup returns the eviction pass cron schedule, defaulting to hourly.
func (s *SupervisorConfig) Cleanup() string {
	if s.CleanupSchedule != "" {
		return s.CleanupSchedule
	}
	return "@every 1h"
}

// RetainExited returns how long exited process records are kept,
// defaulting to 24 hours.
func (s *SupervisorConfig) RetainExited() time.Duration {
	if s.RetainExitedHours > 0 {
		return time.Duration(s.RetainExitedHours) * time.Hour
	}
	return 24 * time.Hour
}

// ServeConfig configures the status/metrics HTTP endpoint of serve mode.
type ServeConfig struct {
	Addr        string `json:"addr" yaml:"addr"`                 // Default: ":8742".
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"` // Default: "/metrics".
}

// ListenAddr returns the serve listen address, defaulting to :8742.
func (s *ServeConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8742"
}

// Metrics returns the metrics path, defaulting to /metrics.
func (s *ServeConfig) Metrics() string {
	if s != nil && s.MetricsPath != "" {
		return s.MetricsPath
	}
	return "/metrics"
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result. A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDUKU_BASE"); v != "" {
		c.Base = v
	}
	if v := os.Getenv("SANDUKU_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Exec.TimeoutSeconds < 0 {
		return fmt.Errorf("exec.timeout_seconds must not be negative")
	}
	if c.Supervisor.MaxPerSandbox < 0 {
		return fmt.Errorf("supervisor.max_per_sandbox must not be negative")
	}
	if c.Supervisor.LogMaxBytes < 0 {
		return fmt.Errorf("supervisor.log_max_bytes must not be negative")
	}
	return nil
}
