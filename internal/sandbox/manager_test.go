package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/jkaninda/sanduku/internal/layout"
)

// writeRootfsArchive builds a minimal gzipped rootfs image (a dir and a
// shell file) the way provisioning expects to consume one.
func writeRootfsArchive(t *testing.T, path string) {
	t.Helper()

	header := func(name string, mode, size int64, typeFlag byte) []byte {
		block := make([]byte, 512)
		copy(block[0:100], name)
		copy(block[100:108], tarOctal(mode, 7))
		copy(block[124:136], tarOctal(size, 11))
		block[156] = typeFlag
		return block
	}

	var tarBuf bytes.Buffer
	tarBuf.Write(header("bin", 0o755, 0, '5'))
	sh := []byte("#!/bin/sh\n")
	tarBuf.Write(header("bin/sh", 0o755, int64(len(sh)), '0'))
	tarBuf.Write(sh)
	tarBuf.Write(make([]byte, 512-len(sh)))
	tarBuf.Write(make([]byte, 1024))

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, gzBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing archive: %v", err)
	}
}

func tarOctal(v int64, width int) string {
	s := ""
	for i := 0; i < width; i++ {
		s = string(rune('0'+(v&7))) + s
		v >>= 3
	}
	return s + "\x00"
}

// writeHelperAsset writes the stub confinement binary provisioning will
// install.
func writeHelperAsset(t *testing.T, path string) {
	t.Helper()
	script := `#!/bin/sh
while [ "$1" != "/bin/sh" ]; do shift; done
shift
exec /bin/sh "$@"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing helper asset: %v", err)
	}
}

func newTestManager(t *testing.T, l *layout.Layout) *Manager {
	t.Helper()
	requireShell(t)

	assets := t.TempDir()
	prootSrc := filepath.Join(assets, "proot")
	rootfsSrc := filepath.Join(assets, "rootfs.tar.gz")
	writeHelperAsset(t, prootSrc)
	writeRootfsArchive(t, rootfsSrc)

	ex := newTestExecutor(t, l, ExecutorConfig{})
	sup := NewSupervisor(l, ex, SupervisorConfig{}, testLogger(), nil)
	cfg := ManagerConfig{
		ProotSource:   prootSrc,
		RootfsSource:  rootfsSrc,
		RootfsVersion: 1,
	}
	return NewManager(l, ex, sup, cfg, testLogger(), nil)
}

func TestManagerLifecycle(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if got := m.State().Phase; got != PhaseNotInitialized {
		t.Fatalf("initial phase = %s, want %s", got, PhaseNotInitialized)
	}
	if m.Instance() != nil {
		t.Fatal("instance non-nil before initialization")
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := m.State().Phase; got != PhaseRunning {
		t.Fatalf("phase after Initialize = %s, want %s", got, PhaseRunning)
	}
	inst := m.Instance()
	if inst == nil {
		t.Fatal("instance nil while running")
	}

	// Provisioned artifacts are on disk.
	if _, err := os.Stat(l.ProotBinary()); err != nil {
		t.Errorf("helper binary missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.RootfsDir(), "bin", "sh")); err != nil {
		t.Errorf("rootfs shell missing: %v", err)
	}
	marker, err := os.ReadFile(l.VersionMarkerPath())
	if err != nil {
		t.Fatalf("version marker missing: %v", err)
	}
	if got := strings.TrimSpace(string(marker)); got != "1" {
		t.Errorf("version marker = %q, want %q", got, "1")
	}
	for _, d := range l.OverlayDirs() {
		if !dirExists(d) {
			t.Errorf("overlay dir %s missing", d)
		}
	}

	if err := m.Initialize(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize error = %v, want ErrAlreadyInitialized", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.State().Phase; got != PhaseStopped {
		t.Fatalf("phase after Stop = %s, want %s", got, PhaseStopped)
	}
	// Overlay survives a stop.
	if !dirExists(l.UpperDir()) {
		t.Error("overlay deleted by Stop")
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start from Stopped: %v", err)
	}
	if got := m.State().Phase; got != PhaseRunning {
		t.Fatalf("phase after Start = %s, want %s", got, PhaseRunning)
	}

	m.Destroy()
	if got := m.State().Phase; got != PhaseNotInitialized {
		t.Fatalf("phase after Destroy = %s, want %s", got, PhaseNotInitialized)
	}
	if m.Instance() != nil {
		t.Error("instance non-nil after Destroy")
	}
	if dirExists(l.ContainerDir()) || dirExists(l.RootfsDir()) {
		t.Error("container/rootfs directories survive Destroy")
	}

	// Destroy is total: safe to call again from any state.
	m.Destroy()
	if got := m.State().Phase; got != PhaseNotInitialized {
		t.Errorf("phase after second Destroy = %s, want %s", got, PhaseNotInitialized)
	}
}

func TestManagerStartIdempotentWhileRunning(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := m.Instance()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second := m.Instance()
	if first != second {
		t.Error("Start while Running replaced the instance")
	}
}

func TestManagerInvalidTransitions(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)

	if err := m.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stop from NotInitialized = %v, want ErrInvalidTransition", err)
	}
	if got := m.State().Phase; got != PhaseNotInitialized {
		t.Errorf("failed transition changed phase to %s", got)
	}
}

func TestManagerStartToleratesPartialOverlayDeletion(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := os.RemoveAll(l.UpperUsrLocal()); err != nil {
		t.Fatalf("removing overlay subdir: %v", err)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start after partial deletion: %v", err)
	}
	if !dirExists(l.UpperUsrLocal()) {
		t.Error("overlay subdir not re-created")
	}
}

func TestManagerProvisioningError(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	m.cfg.RootfsSource = filepath.Join(t.TempDir(), "missing.tar.gz")
	ctx := context.Background()

	if err := m.Initialize(ctx); err == nil {
		t.Fatal("Initialize succeeded with a missing rootfs source")
	}
	state := m.State()
	if state.Phase != PhaseError {
		t.Fatalf("phase = %s, want %s", state.Phase, PhaseError)
	}
	if state.Message == "" {
		t.Error("error state carries no message")
	}

	// The start path recovers: Error resets and re-initializes.
	assets := t.TempDir()
	rootfsSrc := filepath.Join(assets, "rootfs.tar.gz")
	writeRootfsArchive(t, rootfsSrc)
	m.cfg.RootfsSource = rootfsSrc

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start from Error: %v", err)
	}
	if got := m.State().Phase; got != PhaseRunning {
		t.Errorf("phase = %s, want %s", got, PhaseRunning)
	}
}

func TestManagerRecoversStoppedFromDisk(t *testing.T) {
	base := t.TempDir()
	l, err := layout.New(base)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	m := newTestManager(t, l)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A new process over the same disk comes up Stopped.
	l2, err := layout.New(base)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	m2 := newTestManager(t, l2)
	if got := m2.State().Phase; got != PhaseStopped {
		t.Fatalf("recovered phase = %s, want %s", got, PhaseStopped)
	}
	if m2.Instance() == nil {
		t.Error("recovered manager has no instance")
	}
}

func TestManagerRecoversRunningWithoutOverlay(t *testing.T) {
	base := t.TempDir()
	l, err := layout.New(base)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	m := newTestManager(t, l)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := os.RemoveAll(l.ContainerDir()); err != nil {
		t.Fatal(err)
	}

	// Assets present, overlay gone: recovery re-creates the overlay and
	// comes up Running.
	l2, err := layout.New(base)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	m2 := newTestManager(t, l2)
	if got := m2.State().Phase; got != PhaseRunning {
		t.Fatalf("recovered phase = %s, want %s", got, PhaseRunning)
	}
	if !dirExists(l2.UpperDir()) {
		t.Error("overlay not re-created during recovery")
	}
}

func TestManagerRootfsVersionRefresh(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Simulate an older installation plus user droppings in the rootfs.
	stale := filepath.Join(l.RootfsDir(), "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.VersionMarkerPath(), []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.ensureRootfs(ctx); err != nil {
		t.Fatalf("ensureRootfs: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale rootfs content survived a version refresh")
	}
	marker, err := os.ReadFile(l.VersionMarkerPath())
	if err != nil {
		t.Fatalf("version marker: %v", err)
	}
	if got := strings.TrimSpace(string(marker)); got != "1" {
		t.Errorf("marker = %q, want %q", got, "1")
	}

	// Current marker: no re-extraction, droppings survive.
	keep := filepath.Join(l.RootfsDir(), "keep.txt")
	if err := os.WriteFile(keep, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.ensureRootfs(ctx); err != nil {
		t.Fatalf("ensureRootfs: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("rootfs re-extracted despite a current version marker")
	}
}

func TestManagerExecuteGate(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)

	out := m.Execute(context.Background(), Request{Identity: "s", Command: "echo hi"}, PolicyNone)
	if out.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 while not running", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "not running") {
		t.Errorf("stderr = %q, want not-running message", out.Stderr)
	}
}

func TestManagerExecute(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out := m.Execute(ctx, Request{Identity: "s", Command: "echo confined"}, PolicyNone)
	if !out.Success() {
		t.Fatalf("exit = %d stderr = %q", out.ExitCode, out.Stderr)
	}
	if got, want := out.Stdout, "confined\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}

	// The foreground handle is cleared after completion.
	m.procMu.Lock()
	fg := m.foreground
	m.procMu.Unlock()
	if fg != nil {
		t.Error("foreground handle not cleared after Execute")
	}
}

func TestManagerExecuteValidation(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out := m.Execute(ctx, Request{Identity: "s", Command: "rm -rf /"}, PolicyReadOnly)
	if out.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 for a rejected command", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "rejected") {
		t.Errorf("stderr = %q, want rejection message", out.Stderr)
	}

	out = m.Execute(ctx, Request{Identity: "s", Command: "rm -rf /"}, PolicySystemPaths)
	if out.ExitCode != -1 {
		t.Errorf("system-path mode accepted rm -rf /")
	}

	out = m.Execute(ctx, Request{Identity: "s", Command: "echo ok"}, PolicyReadOnly)
	if !out.Success() {
		t.Errorf("read-only mode rejected echo: %q", out.Stderr)
	}
}

func TestManagerBackgroundGate(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)

	if _, err := m.Background("s", "echo hi", ""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestManagerBackground(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p, err := m.Background("s", "echo bg", "tagged")
	if err != nil {
		t.Fatalf("Background: %v", err)
	}
	done := waitForTerminal(t, m.supervisor, p.ID)
	if done.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", done.ExitCode)
	}
}

func TestManagerForegroundHooks(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.OnBackground()
	if got := m.State().Phase; got != PhaseStopped {
		t.Fatalf("phase after OnBackground = %s, want %s", got, PhaseStopped)
	}

	m.OnForeground(ctx)
	if got := m.State().Phase; got != PhaseRunning {
		t.Fatalf("phase after OnForeground = %s, want %s", got, PhaseRunning)
	}

	// An explicit Stop is not resumed by OnForeground.
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	m.OnForeground(ctx)
	if got := m.State().Phase; got != PhaseStopped {
		t.Errorf("OnForeground resumed an explicitly stopped container (phase %s)", got)
	}
}

func TestManagerSubscribe(t *testing.T) {
	l := newTestLayout(t)
	m := newTestManager(t, l)

	ch, cancel := m.Subscribe()
	defer cancel()

	first := <-ch
	if first.Phase != PhaseNotInitialized {
		t.Errorf("first snapshot = %s, want %s", first.Phase, PhaseNotInitialized)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sawRunning := false
	for len(ch) > 0 {
		if s := <-ch; s.Phase == PhaseRunning {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Error("subscriber never observed the Running snapshot")
	}
}
