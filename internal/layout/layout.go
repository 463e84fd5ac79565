// Package layout manages the sanduku on-disk directory structure.
// All runtime state (confinement helper, rootfs image, writable overlay,
// per-sandbox workspaces and logs) lives under a single base directory,
// making the whole installation portable and trivially removable.
//
// Default base: ~/.sanduku (configurable via config or SANDUKU_BASE env var).
//
// The layout is a stable contract:
//
//	<base>/proot/proot                  confinement helper binary
//	<base>/rootfs/...                   read-only root filesystem image
//	<base>/rootfs/rootfs_version.txt    integer version marker
//	<base>/container/work/...           scratch work directory
//	<base>/container/upper/usr/local/   writable package-install layer
//	<base>/container/upper/usr/lib/     writable library-shadow layer
//	<base>/container/upper/root/        writable home-directory layer
//	<base>/sandboxes/<identity>/        per-identity workspace
//	<base>/sandboxes/<identity>/logs/   background process logs
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default base location relative to the user home directory.
const defaultRelativePath = ".sanduku"

// VersionMarkerFile is the rootfs version marker file name.
const VersionMarkerFile = "rootfs_version.txt"

// Layout resolves every path the engine touches under one base directory.
type Layout struct {
	Base string

	mu      sync.Mutex
	created map[string]bool // directories already ensured
}

// New creates a Layout rooted at the given path. It resolves ~ to the
// user's home directory and creates the base directory if missing.
func New(base string) (*Layout, error) {
	resolved, err := resolvePath(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory %q: %w", base, err)
	}

	l := &Layout{
		Base:    resolved,
		created: make(map[string]bool),
	}

	if err := l.ensureDir(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	return l, nil
}

// Default creates a Layout at ~/.sanduku.
func Default() (*Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Confinement helper ---

// ProotDir returns <base>/proot/.
func (l *Layout) ProotDir() string {
	return l.dir("proot")
}

// ProotBinary returns <base>/proot/proot.
func (l *Layout) ProotBinary() string {
	return filepath.Join(l.ProotDir(), "proot")
}

// PreloadLibrary returns <base>/proot/libpreload.so. The library is
// optional; its presence enables syscall-interception compatibility.
func (l *Layout) PreloadLibrary() string {
	return filepath.Join(l.ProotDir(), "libpreload.so")
}

// --- Root filesystem ---

// RootfsDir returns <base>/rootfs/. Not auto-created: a missing rootfs is
// meaningful state for provisioning decisions.
func (l *Layout) RootfsDir() string {
	return filepath.Join(l.Base, "rootfs")
}

// VersionMarkerPath returns <base>/rootfs/rootfs_version.txt.
func (l *Layout) VersionMarkerPath() string {
	return filepath.Join(l.RootfsDir(), VersionMarkerFile)
}

// --- Writable overlay ---

// ContainerDir returns <base>/container/. Not auto-created: its existence
// is how a prior installation is recognized on restart.
func (l *Layout) ContainerDir() string {
	return filepath.Join(l.Base, "container")
}

// WorkDir returns <base>/container/work/, the scratch directory handed to
// the confinement helper for its own bookkeeping.
func (l *Layout) WorkDir() string {
	return filepath.Join(l.ContainerDir(), "work")
}

// UpperDir returns <base>/container/upper/, the writable overlay root.
func (l *Layout) UpperDir() string {
	return filepath.Join(l.ContainerDir(), "upper")
}

// UpperUsrLocal returns the writable package-install layer.
func (l *Layout) UpperUsrLocal() string {
	return filepath.Join(l.UpperDir(), "usr", "local")
}

// UpperUsrLib returns the writable library-shadow layer.
func (l *Layout) UpperUsrLib() string {
	return filepath.Join(l.UpperDir(), "usr", "lib")
}

// UpperHome returns the writable home-directory layer.
func (l *Layout) UpperHome() string {
	return filepath.Join(l.UpperDir(), "root")
}

// OverlayDirs returns every overlay subdirectory that must exist before a
// bind mount can target it.
func (l *Layout) OverlayDirs() []string {
	return []string{
		l.WorkDir(),
		l.UpperUsrLocal(),
		l.UpperUsrLib(),
		l.UpperHome(),
	}
}

// EnsureOverlay creates the full overlay directory tree, tolerating
// partial deletion of a previous tree.
func (l *Layout) EnsureOverlay() error {
	for _, d := range l.OverlayDirs() {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("creating overlay directory %s: %w", d, err)
		}
	}
	return nil
}

// --- Sandbox identities ---

// SandboxesDir returns <base>/sandboxes/.
func (l *Layout) SandboxesDir() string {
	return l.dir("sandboxes")
}

// SandboxDir returns <base>/sandboxes/<identity>/, creating it on first use.
func (l *Layout) SandboxDir(identity string) string {
	p := filepath.Join(l.SandboxesDir(), sanitizeName(identity))
	_ = l.ensureDir(p, 0o750)
	return p
}

// SandboxLogsDir returns <base>/sandboxes/<identity>/logs/.
func (l *Layout) SandboxLogsDir(identity string) string {
	p := filepath.Join(l.SandboxDir(identity), "logs")
	_ = l.ensureDir(p, 0o750)
	return p
}

// ProcessLogPath returns the log file for one stream of one background
// process: <base>/sandboxes/<identity>/logs/<processID>.<stream>.log.
func (l *Layout) ProcessLogPath(identity, processID, stream string) string {
	return filepath.Join(l.SandboxLogsDir(identity), sanitizeName(processID)+"."+stream+".log")
}

// --- Internal helpers ---

// dir returns an absolute path under the base and ensures it exists.
func (l *Layout) dir(name string) string {
	p := filepath.Join(l.Base, name)
	_ = l.ensureDir(p, 0o750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (l *Layout) ensureDir(path string, perm os.FileMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	l.created[path] = true
	return nil
}

// Forget drops the ensured-directory cache. Called after trees under the
// base have been deleted so later accessors re-create them.
func (l *Layout) Forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = make(map[string]bool)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
