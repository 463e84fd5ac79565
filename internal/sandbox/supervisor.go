package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/sanduku/internal/layout"
	"github.com/jkaninda/sanduku/internal/observability"
)

// Status of a background process record. Transitions are monotonic:
// Starting → Running → {Stopped, Failed}; a record never returns to an
// earlier status.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// terminal reports whether no further transitions are permitted.
func (s Status) terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Process is the externally visible state of one supervised background
// process.
type Process struct {
	ID       string
	Identity string
	Command  string
	Tag      string
	Status   Status

	// PID is the OS process id, 0 until observed.
	PID int

	StdoutLog string
	StderrLog string

	CreatedAt time.Time
	StartedAt time.Time
	ExitedAt  *time.Time

	// ExitCode is meaningful once the record is terminal; -1 means the
	// process did not exit normally.
	ExitCode int
}

// truncationNotice is the single line appended to a log file once its
// size ceiling is crossed. No further lines are written after it.
const truncationNotice = "[output truncated: log size limit reached]"

// LogPage is one paginated read of a background process log.
type LogPage struct {
	Lines      []string
	TotalLines int
	HasMore    bool
}

const defaultLogPageSize = 100

// SupervisorConfig configures background process supervision.
type SupervisorConfig struct {
	MaxPerSandbox    int           // Running processes per identity. Zero = 10.
	LogCeiling       int64         // Bytes per log stream. Zero = 10 MB.
	LivenessSchedule string        // cron spec for the liveness sweep. Empty = "@every 5s".
	CleanupSchedule  string        // cron spec for age eviction. Empty = "@every 1h".
	RetainExited     time.Duration // Exited record retention. Zero = 24h.
}

// record pairs the visible Process with the supervisor-private handle
// state. Each record has its own lock; the supervisor's map lock is
// never held across process operations, so operations on different
// process ids proceed concurrently.
type record struct {
	mu            sync.Mutex
	proc          Process
	handle        *Handle
	killRequested bool
	done          chan struct{} // closed when the waiter has reaped the process
}

// snapshot returns a copy of the visible state under the record lock.
func (r *record) snapshot() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// Supervisor owns every detached process started through the engine,
// independent of the call that started it.
type Supervisor struct {
	layout   *layout.Layout
	executor *Executor
	cfg      SupervisorConfig
	logger   *slog.Logger
	metrics  *observability.MetricsCollector

	mu      sync.RWMutex
	records map[string]*record

	cron *cron.Cron
}

// NewSupervisor creates a Supervisor. Call Run to start the periodic
// liveness sweep and eviction pass.
func NewSupervisor(l *layout.Layout, ex *Executor, cfg SupervisorConfig, logger *slog.Logger, metrics *observability.MetricsCollector) *Supervisor {
	if cfg.MaxPerSandbox == 0 {
		cfg.MaxPerSandbox = 10
	}
	if cfg.LogCeiling == 0 {
		cfg.LogCeiling = 10 << 20
	}
	if cfg.LivenessSchedule == "" {
		cfg.LivenessSchedule = "@every 5s"
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 1h"
	}
	if cfg.RetainExited == 0 {
		cfg.RetainExited = 24 * time.Hour
	}
	return &Supervisor{
		layout:   l,
		executor: ex,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		records:  make(map[string]*record),
	}
}

// Run starts the periodic jobs: the liveness sweep that detects
// externally terminated processes, and the eviction pass that removes
// old exited records. Stop with Close.
func (s *Supervisor) Run() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.LivenessSchedule, s.sweep); err != nil {
		return fmt.Errorf("scheduling liveness sweep: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() {
		s.CleanupOlderThan(s.cfg.RetainExited)
	}); err != nil {
		return fmt.Errorf("scheduling eviction pass: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Debug("supervisor periodic jobs started",
		slog.String("liveness", s.cfg.LivenessSchedule),
		slog.String("cleanup", s.cfg.CleanupSchedule),
	)
	return nil
}

// Close stops the periodic jobs. Supervised processes keep running.
func (s *Supervisor) Close() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// Start launches a detached confined process for the given identity.
// It returns ErrCapacityExceeded when the identity already has the
// maximum number of live processes. A spawn failure is not an error:
// the returned record carries StatusFailed.
func (s *Supervisor) Start(identity, command, tag string) (Process, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	rec := &record{
		proc: Process{
			ID:        id,
			Identity:  identity,
			Command:   command,
			Tag:       tag,
			Status:    StatusStarting,
			StdoutLog: s.layout.ProcessLogPath(identity, id, "stdout"),
			StderrLog: s.layout.ProcessLogPath(identity, id, "stderr"),
			CreatedAt: now,
			ExitCode:  -1,
		},
		done: make(chan struct{}),
	}

	// Capacity check and insertion happen under one lock so concurrent
	// Starts cannot both slip under the limit.
	s.mu.Lock()
	if n := s.countLiveLocked(identity); n >= s.cfg.MaxPerSandbox {
		s.mu.Unlock()
		return Process{}, fmt.Errorf("%w: sandbox %q already has %d background processes",
			ErrCapacityExceeded, identity, n)
	}
	s.records[id] = rec
	s.mu.Unlock()

	stdoutFile, stderrFile, err := s.openLogs(rec.proc)
	if err != nil {
		s.failSpawn(rec, err)
		return rec.snapshot(), nil
	}

	handle, err := s.executor.Start(Request{
		Identity: identity,
		Command:  command,
	})
	if err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		s.failSpawn(rec, err)
		return rec.snapshot(), nil
	}

	rec.mu.Lock()
	rec.handle = handle
	rec.proc.Status = StatusRunning
	rec.proc.PID = handle.PID
	rec.proc.StartedAt = time.Now().UTC()
	rec.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BackgroundStartsTotal.WithLabelValues("ok").Inc()
		s.metrics.BackgroundProcessesActive.Inc()
	}

	go s.supervise(rec, handle, stdoutFile, stderrFile)

	s.logger.Info("background process started",
		slog.String("process_id", id),
		slog.String("identity", identity),
		slog.Int("pid", handle.PID),
		slog.String("tag", tag),
	)

	return rec.snapshot(), nil
}

// failSpawn marks a record failed before its process ever ran.
func (s *Supervisor) failSpawn(rec *record, err error) {
	now := time.Now().UTC()
	rec.mu.Lock()
	rec.proc.Status = StatusFailed
	rec.proc.ExitCode = -1
	rec.proc.ExitedAt = &now
	rec.mu.Unlock()
	close(rec.done)

	if s.metrics != nil {
		s.metrics.BackgroundStartsTotal.WithLabelValues("failed").Inc()
	}
	s.logger.Error("background process spawn failed",
		slog.String("process_id", rec.proc.ID),
		slog.String("error", err.Error()),
	)
}

func (s *Supervisor) openLogs(p Process) (stdout, stderr *os.File, err error) {
	stdout, err = os.Create(p.StdoutLog)
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout log: %w", err)
	}
	stderr, err = os.Create(p.StderrLog)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("creating stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// supervise drains both output streams into the log files and reaps
// the process when it exits. It is the only goroutine that calls Wait
// on the handle.
func (s *Supervisor) supervise(rec *record, handle *Handle, stdoutFile, stderrFile *os.File) {
	var g errgroup.Group
	g.Go(func() error {
		defer stdoutFile.Close()
		s.drain(handle.Stdout, stdoutFile, "stdout")
		return nil
	})
	g.Go(func() error {
		defer stderrFile.Close()
		s.drain(handle.Stderr, stderrFile, "stderr")
		return nil
	})
	_ = g.Wait()

	runErr := handle.Cmd.Wait()

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if code := handle.Cmd.ProcessState.ExitCode(); code >= 0 {
			exitCode = code
		}
	}

	now := time.Now().UTC()
	rec.mu.Lock()
	if !rec.proc.Status.terminal() {
		switch {
		case rec.killRequested:
			rec.proc.Status = StatusStopped
		case exitCode == 0:
			rec.proc.Status = StatusStopped
		default:
			rec.proc.Status = StatusFailed
		}
		rec.proc.ExitCode = exitCode
		rec.proc.ExitedAt = &now
	}
	status := rec.proc.Status
	rec.mu.Unlock()
	close(rec.done)

	if s.metrics != nil {
		s.metrics.BackgroundProcessesActive.Dec()
	}
	s.logger.Info("background process exited",
		slog.String("process_id", rec.proc.ID),
		slog.Int("exit_code", exitCode),
		slog.String("status", string(status)),
	)
}

// drain copies one stream line by line into its log file, enforcing the
// size ceiling. Once the ceiling is crossed a single truncation notice
// is written and subsequent lines are discarded; the stream itself is
// still read to EOF so the process never blocks on a full pipe.
func (s *Supervisor) drain(r io.Reader, f *os.File, stream string) {
	br := bufio.NewReader(r)

	var written int64
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			n, werr := f.WriteString(line)
			if werr != nil {
				_, _ = io.Copy(io.Discard, br)
				return
			}
			written += int64(n)
			if s.metrics != nil {
				s.metrics.LogBytesWritten.WithLabelValues(stream).Add(float64(n))
			}
			if written > s.cfg.LogCeiling {
				_, _ = f.WriteString(truncationNotice + "\n")
				_, _ = io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				_, _ = io.Copy(io.Discard, br)
			}
			return
		}
	}
}

// Kill forcibly terminates a background process, waits briefly for the
// exit to be reaped, and marks the record Stopped.
func (s *Supervisor) Kill(processID string) (Process, error) {
	rec, err := s.lookup(processID)
	if err != nil {
		return Process{}, err
	}

	rec.mu.Lock()
	if rec.proc.Status.terminal() {
		proc := rec.proc
		rec.mu.Unlock()
		return proc, nil
	}
	rec.killRequested = true
	pid := rec.proc.PID
	rec.mu.Unlock()

	_ = killGroup(pid)

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("background process did not reap promptly after kill",
			slog.String("process_id", processID),
		)
	}

	now := time.Now().UTC()
	rec.mu.Lock()
	if !rec.proc.Status.terminal() {
		rec.proc.Status = StatusStopped
		rec.proc.ExitCode = -1
		rec.proc.ExitedAt = &now
	}
	proc := rec.proc
	rec.mu.Unlock()

	s.logger.Info("background process killed",
		slog.String("process_id", processID),
	)
	return proc, nil
}

// ReadLogs returns one page of a process's log. stream is "stdout" or
// "stderr". offset/limit are line-based; limit <= 0 uses the default
// page size.
func (s *Supervisor) ReadLogs(processID, stream string, offset, limit int) (LogPage, error) {
	rec, err := s.lookup(processID)
	if err != nil {
		return LogPage{}, err
	}

	proc := rec.snapshot()
	var path string
	switch stream {
	case "stdout":
		path = proc.StdoutLog
	case "stderr":
		path = proc.StderrLog
	default:
		return LogPage{}, fmt.Errorf("%w: %q (want stdout or stderr)", ErrUnknownStream, stream)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LogPage{}, nil
		}
		return LogPage{}, fmt.Errorf("reading log %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}

	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if offset < 0 {
		offset = 0
	}

	total := len(lines)
	if offset >= total {
		return LogPage{TotalLines: total}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return LogPage{
		Lines:      lines[offset:end],
		TotalLines: total,
		HasMore:    end < total,
	}, nil
}

// Get returns the current state of one record.
func (s *Supervisor) Get(processID string) (Process, error) {
	rec, err := s.lookup(processID)
	if err != nil {
		return Process{}, err
	}
	return rec.snapshot(), nil
}

// ListBySandbox returns every record owned by an identity, oldest first.
func (s *Supervisor) ListBySandbox(identity string) []Process {
	s.mu.RLock()
	var out []Process
	for _, rec := range s.records {
		p := rec.snapshot()
		if p.Identity == identity {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CleanupOlderThan deletes records (and their log files) that exited
// longer than maxAge ago. Returns the number of records removed.
func (s *Supervisor) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	var evict []*record
	for id, rec := range s.records {
		p := rec.snapshot()
		if p.Status.terminal() && p.ExitedAt != nil && p.ExitedAt.Before(cutoff) {
			evict = append(evict, rec)
			delete(s.records, id)
		}
	}
	s.mu.Unlock()

	for _, rec := range evict {
		p := rec.snapshot()
		_ = os.Remove(p.StdoutLog)
		_ = os.Remove(p.StderrLog)
	}

	if len(evict) > 0 {
		s.logger.Debug("evicted exited background process records",
			slog.Int("count", len(evict)),
		)
	}
	return len(evict)
}

// MarkAllStopped marks every live record Stopped with exit code -1
// without killing anything — used when the container itself was shut
// down, which already terminated the processes.
func (s *Supervisor) MarkAllStopped() {
	now := time.Now().UTC()

	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.proc.Status.terminal() {
			rec.killRequested = true
			rec.proc.Status = StatusStopped
			rec.proc.ExitCode = -1
			rec.proc.ExitedAt = &now
		}
		rec.mu.Unlock()
	}
}

// ClearAll drops every record — used on full container destroy. Log
// files under the sandboxes tree are left for the caller to remove.
func (s *Supervisor) ClearAll() {
	s.mu.Lock()
	s.records = make(map[string]*record)
	s.mu.Unlock()
}

// sweep is the periodic liveness check: a Running record whose pid has
// vanished without the supervisor killing it is marked Failed. This is
// the only path by which an externally terminated detached process is
// detected.
func (s *Supervisor) sweep() {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		if rec.proc.Status == StatusRunning && rec.proc.PID > 0 &&
			!rec.killRequested && !ProcessAlive(rec.proc.PID) {
			now := time.Now().UTC()
			rec.proc.Status = StatusFailed
			rec.proc.ExitCode = -1
			rec.proc.ExitedAt = &now
			s.logger.Warn("background process vanished",
				slog.String("process_id", rec.proc.ID),
				slog.Int("pid", rec.proc.PID),
			)
		}
		rec.mu.Unlock()
	}
}

// countLive counts Starting/Running records for an identity.
func (s *Supervisor) countLive(identity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLiveLocked(identity)
}

// countLiveLocked requires s.mu to be held.
func (s *Supervisor) countLiveLocked(identity string) int {
	n := 0
	for _, rec := range s.records {
		p := rec.snapshot()
		if p.Identity == identity && !p.Status.terminal() {
			n++
		}
	}
	return n
}

func (s *Supervisor) lookup(processID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[processID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProcessNotFound, processID)
	}
	return rec, nil
}
