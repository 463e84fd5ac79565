package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/layout"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/security"
)

// ManagerConfig carries the provisioning sources for the two on-disk
// artifacts, resolved for the current CPU architecture by the caller.
// Sources are local file paths or http(s) URLs.
type ManagerConfig struct {
	ProotSource  string
	RootfsSource string

	// RootfsVersion is the integer version the code expects. A rootfs
	// on disk with an older (or missing) marker is deleted and
	// re-extracted on the next provisioning pass.
	RootfsVersion int
}

// Manager owns the global container lifecycle. There is exactly one per
// process; construct it once and pass it to every caller explicitly.
//
// Lifecycle methods (Initialize, Start, Stop, Destroy) are serialized
// internally, but the design assumes a single logical caller drives
// transitions. Execute and Background may be called concurrently with
// each other.
type Manager struct {
	layout     *layout.Layout
	executor   *Executor
	supervisor *Supervisor
	cfg        ManagerConfig
	logger     *slog.Logger
	metrics    *observability.MetricsCollector

	state *stateVar

	lifecycleMu sync.Mutex
	instance    *Instance
	autoStopped bool

	// procMu guards the tracked foreground process. Every read,
	// assignment and clear happens under it, including the kill paths
	// in Stop and Destroy.
	procMu     sync.Mutex
	foreground *os.Process
}

// NewManager builds a Manager over the given layout and recovers
// lifecycle state from whatever the previous process left on disk.
func NewManager(l *layout.Layout, ex *Executor, sup *Supervisor, cfg ManagerConfig, logger *slog.Logger, metrics *observability.MetricsCollector) *Manager {
	if cfg.RootfsVersion == 0 {
		cfg.RootfsVersion = CurrentRootfsVersion
	}
	m := &Manager{
		layout:     l,
		executor:   ex,
		supervisor: sup,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		state:      newStateVar(metrics),
	}
	m.recover()
	return m
}

// recover rediscovers lifecycle state from disk after a process
// restart. With both artifacts present and an overlay already on disk
// the container is Stopped (data present, nothing running); with
// artifacts but no overlay a fresh overlay is created and the container
// comes up Running. Anything less stays NotInitialized.
func (m *Manager) recover() {
	if !m.assetsReady() {
		return
	}

	if dirExists(m.layout.UpperDir()) {
		m.instance = m.newInstance()
		m.state.set(State{Phase: PhaseStopped})
		m.logger.Info("recovered container from disk", slog.String("state", "stopped"))
		return
	}

	if err := m.layout.EnsureOverlay(); err != nil {
		m.logger.Error("overlay creation during recovery failed", slog.String("error", err.Error()))
		return
	}
	m.instance = m.newInstance()
	m.state.set(State{Phase: PhaseRunning})
	m.logger.Info("recovered container from disk", slog.String("state", "running"))
}

// assetsReady reports whether the confinement binary and a usable
// rootfs (non-empty, with a shell) are on disk.
func (m *Manager) assetsReady() bool {
	if !fileExists(m.layout.ProotBinary()) {
		return false
	}
	if _, err := os.Stat(m.layout.RootfsDir() + "/bin/sh"); err != nil {
		return false
	}
	return true
}

func (m *Manager) newInstance() *Instance {
	return &Instance{
		ID:       uuid.NewString(),
		UpperDir: m.layout.UpperDir(),
		WorkDir:  m.layout.WorkDir(),
	}
}

// State returns the current lifecycle snapshot.
func (m *Manager) State() State {
	return m.state.get()
}

// Instance returns the current container instance, nil while
// NotInitialized.
func (m *Manager) Instance() *Instance {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.instance
}

// Subscribe returns a channel of lifecycle snapshots and a cancel
// function. The current state is delivered first.
func (m *Manager) Subscribe() (<-chan State, func()) {
	return m.state.subscribe()
}

// Initialize provisions the container from scratch: confinement binary,
// rootfs image, writable overlay. Valid only from NotInitialized.
// Progress is published through the lifecycle state at each major step.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.initializeLocked(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) error {
	if phase := m.state.get().Phase; phase != PhaseNotInitialized {
		return fmt.Errorf("%w: container is %s", ErrAlreadyInitialized, phase)
	}

	started := time.Now()
	m.state.set(State{Phase: PhaseInitializing, Progress: 0.05})

	fail := func(err error) error {
		m.state.set(State{Phase: PhaseError, Message: err.Error()})
		m.logger.Error("container provisioning failed", slog.String("error", err.Error()))
		return err
	}

	if err := m.ensureProot(ctx); err != nil {
		return fail(fmt.Errorf("provisioning confinement binary: %w", err))
	}
	m.state.set(State{Phase: PhaseInitializing, Progress: 0.35})

	if err := m.ensureRootfs(ctx); err != nil {
		return fail(fmt.Errorf("provisioning rootfs: %w", err))
	}
	m.state.set(State{Phase: PhaseInitializing, Progress: 0.9})

	if err := m.layout.EnsureOverlay(); err != nil {
		return fail(fmt.Errorf("creating overlay: %w", err))
	}
	m.state.set(State{Phase: PhaseInitializing, Progress: 0.98})

	m.instance = m.newInstance()
	m.state.set(State{Phase: PhaseRunning})

	if m.metrics != nil {
		m.metrics.ProvisioningDuration.Observe(time.Since(started).Seconds())
	}
	m.logger.Info("container provisioned",
		slog.Duration("took", time.Since(started)),
		slog.String("instance", m.instance.ID),
	)
	return nil
}

// Start brings the container to Running from whatever state it is in.
// Idempotent from Running; delegates to Initialize from NotInitialized;
// re-validates the overlay from Stopped; resets and re-initializes from
// Error. Fails only from Initializing.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	switch m.state.get().Phase {
	case PhaseRunning:
		return nil

	case PhaseNotInitialized:
		return m.initializeLocked(ctx)

	case PhaseStopped:
		// Tolerate partial deletion of the overlay while stopped.
		if err := m.layout.EnsureOverlay(); err != nil {
			m.state.set(State{Phase: PhaseError, Message: err.Error()})
			return fmt.Errorf("re-creating overlay: %w", err)
		}
		if m.instance == nil {
			m.instance = m.newInstance()
		}
		m.state.set(State{Phase: PhaseRunning})
		return nil

	case PhaseError:
		m.instance = nil
		m.state.set(State{Phase: PhaseNotInitialized})
		return m.initializeLocked(ctx)

	default:
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, m.state.get().Phase)
	}
}

// Stop halts the running container: the tracked foreground process is
// killed, orphaned confined processes are swept, and every background
// record is marked stopped. The writable overlay is preserved. Valid
// only from Running.
func (m *Manager) Stop() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if phase := m.state.get().Phase; phase != PhaseRunning {
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, phase)
	}

	m.killForeground()
	if n := m.executor.SweepOrphans(); n > 0 {
		m.logger.Info("swept orphaned confined processes", slog.Int("count", n))
	}
	m.supervisor.MarkAllStopped()

	m.state.set(State{Phase: PhaseStopped})
	m.logger.Info("container stopped")
	return nil
}

// Destroy is a full reset, valid from any state: kills everything,
// deletes the overlay, the scratch directory and the rootfs, clears
// the background records, and lands in NotInitialized. Cleanup failures
// are logged, never returned; Destroy always succeeds.
func (m *Manager) Destroy() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.killForeground()
	m.executor.SweepOrphans()
	m.supervisor.MarkAllStopped()
	m.supervisor.ClearAll()

	for _, dir := range []string{m.layout.ContainerDir(), m.layout.RootfsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("removing directory during destroy failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	m.layout.Forget()

	m.instance = nil
	m.autoStopped = false
	m.state.set(State{Phase: PhaseNotInitialized})
	m.logger.Info("container destroyed")
}

// Execute runs a foreground command inside the container, applying the
// given validation policy first. Failures of any kind come back as an
// Outcome with exit code -1; Execute never returns an error.
func (m *Manager) Execute(ctx context.Context, req Request, policy Policy) Outcome {
	if phase := m.state.get().Phase; phase != PhaseRunning {
		return failure("sandbox container is not running (state: %s)", phase)
	}

	if verdict, ok := m.validate(req.Command, policy); !ok {
		return failure("command rejected by %s policy: %s (offending fragment: %q)",
			policy, verdict.Reason, verdict.Fragment)
	}

	req.OnStart = m.trackForeground
	defer m.clearForeground()

	return m.executor.Execute(ctx, req)
}

// Background starts a detached process inside the container. Unlike
// Execute, an inoperative container is an error here so the caller can
// distinguish it from a spawn failure in the returned record.
func (m *Manager) Background(identity, command, tag string) (Process, error) {
	if phase := m.state.get().Phase; phase != PhaseRunning {
		return Process{}, fmt.Errorf("%w: state is %s", ErrNotRunning, phase)
	}
	return m.supervisor.Start(identity, command, tag)
}

// validate applies the policy; PolicyNone always passes.
func (m *Manager) validate(command string, policy Policy) (security.Verdict, bool) {
	var verdict security.Verdict
	switch policy {
	case PolicyReadOnly:
		verdict = security.ValidateReadOnly(command)
	case PolicySystemPaths:
		verdict = security.ValidateSystemPaths(command)
	default:
		return security.Verdict{Allowed: true}, true
	}

	if m.metrics != nil {
		result := "allowed"
		if !verdict.Allowed {
			result = "rejected"
		}
		m.metrics.ValidationsTotal.WithLabelValues(policy.String(), result).Inc()
	}
	if !verdict.Allowed {
		m.logger.Warn("command rejected",
			slog.String("policy", policy.String()),
			slog.String("fragment", verdict.Fragment),
			slog.String("reason", verdict.Reason),
		)
	}
	return verdict, verdict.Allowed
}

// OnBackground is the host hook for "the embedding application went to
// the background": a running container is stopped and remembered for a
// later automatic restart.
func (m *Manager) OnBackground() {
	if m.state.get().Phase != PhaseRunning {
		return
	}
	if err := m.Stop(); err != nil {
		m.logger.Warn("auto-stop failed", slog.String("error", err.Error()))
		return
	}
	m.lifecycleMu.Lock()
	m.autoStopped = true
	m.lifecycleMu.Unlock()
}

// OnForeground is the counterpart hook: a container stopped by
// OnBackground is started again. A container the caller stopped
// explicitly stays stopped.
func (m *Manager) OnForeground(ctx context.Context) {
	m.lifecycleMu.Lock()
	resume := m.autoStopped
	m.autoStopped = false
	m.lifecycleMu.Unlock()

	if !resume {
		return
	}
	if err := m.Start(ctx); err != nil {
		m.logger.Warn("auto-restart failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) trackForeground(p *os.Process) {
	m.procMu.Lock()
	m.foreground = p
	m.procMu.Unlock()
}

func (m *Manager) clearForeground() {
	m.procMu.Lock()
	m.foreground = nil
	m.procMu.Unlock()
}

// killForeground terminates the tracked foreground process group, if
// any. Failures are swallowed: the process may already be gone.
func (m *Manager) killForeground() {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	if m.foreground == nil {
		return
	}
	_ = killGroup(m.foreground.Pid)
	m.foreground = nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
