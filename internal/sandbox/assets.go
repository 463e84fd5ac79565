package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/sanduku/internal/archive"
)

// CurrentRootfsVersion is the rootfs version this build expects. Bump it
// when the base image contract changes; older on-disk images are then
// re-extracted on the next provisioning pass.
const CurrentRootfsVersion = 1

// ensureProot installs the confinement helper binary if it is not
// already on disk. The source is a local path or an http(s) URL.
func (m *Manager) ensureProot(ctx context.Context) error {
	target := m.layout.ProotBinary()
	if fileExists(target) {
		return nil
	}
	if m.cfg.ProotSource == "" {
		return fmt.Errorf("no confinement binary source configured")
	}

	local, cleanup, err := m.materialize(ctx, m.cfg.ProotSource)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := copyFile(local, target, 0o755); err != nil {
		return fmt.Errorf("installing %s: %w", target, err)
	}
	m.logger.Info("confinement binary installed", slog.String("path", target))
	return nil
}

// ensureRootfs extracts the root filesystem image unless a current one
// is already on disk. A rootfs whose version marker is missing or older
// than expected is deleted and extracted afresh, so the base image can
// evolve without a full destroy.
func (m *Manager) ensureRootfs(ctx context.Context) error {
	if m.assetsRootfsCurrent() {
		return nil
	}

	if err := os.RemoveAll(m.layout.RootfsDir()); err != nil {
		return fmt.Errorf("removing stale rootfs: %w", err)
	}
	if m.cfg.RootfsSource == "" {
		return fmt.Errorf("no rootfs source configured")
	}

	local, cleanup, err := m.materialize(ctx, m.cfg.RootfsSource)
	if err != nil {
		return err
	}
	defer cleanup()

	dest := m.layout.RootfsDir()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating rootfs dir: %w", err)
	}

	entries := 0
	ex := &archive.Extractor{OnEntry: func(archive.Entry) { entries++ }}
	if err := ex.ExtractFile(local, dest); err != nil {
		return fmt.Errorf("extracting rootfs: %w", err)
	}

	marker := m.layout.VersionMarkerPath()
	version := strconv.Itoa(m.cfg.RootfsVersion)
	if err := os.WriteFile(marker, []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing version marker: %w", err)
	}

	m.logger.Info("rootfs extracted",
		slog.Int("entries", entries),
		slog.String("version", version),
	)
	return nil
}

// assetsRootfsCurrent reports whether the on-disk rootfs exists and its
// marker is at least the expected version.
func (m *Manager) assetsRootfsCurrent() bool {
	data, err := os.ReadFile(m.layout.VersionMarkerPath())
	if err != nil {
		return false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return v >= m.cfg.RootfsVersion
}

// materialize resolves a source to a local file path, downloading URLs
// to a temp file first. The returned cleanup removes any temp file.
func (m *Manager) materialize(ctx context.Context, source string) (string, func(), error) {
	noop := func() {}

	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		if !fileExists(source) {
			return "", noop, fmt.Errorf("asset source %s not found", source)
		}
		return source, noop, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", noop, fmt.Errorf("building request for %s: %w", source, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", noop, fmt.Errorf("downloading %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", noop, fmt.Errorf("downloading %s: unexpected status %s", source, resp.Status)
	}

	tmp, err := os.CreateTemp("", "sanduku-asset-*")
	if err != nil {
		return "", noop, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("saving %s: %w", source, err)
	}

	m.logger.Debug("asset downloaded",
		slog.String("url", source),
		slog.Int64("bytes", n),
	)
	return tmp.Name(), cleanup, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
