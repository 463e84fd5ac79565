package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a long-lived service with an HTTP API",
	Long: `Serve starts the container, runs the background process supervisor's
periodic jobs, and exposes an HTTP surface: lifecycle status, Prometheus
metrics, foreground execution and background process management.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Manager.Start(ctx); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	if err := e.Supervisor.Run(); err != nil {
		return fmt.Errorf("starting supervisor jobs: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = e.Config.Serve.ListenAddr()
	}

	mux := http.NewServeMux()
	mux.Handle(e.Config.Serve.Metrics(),
		promhttp.HandlerFor(e.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/status", e.handleStatus)
	mux.HandleFunc("POST /v1/exec", e.handleExec)
	mux.HandleFunc("POST /v1/processes", e.handleProcessStart)
	mux.HandleFunc("GET /v1/processes", e.handleProcessList)
	mux.HandleFunc("GET /v1/processes/{id}/logs", e.handleProcessLogs)
	mux.HandleFunc("DELETE /v1/processes/{id}", e.handleProcessKill)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.Logger.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.Logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	if err := e.Manager.Stop(); err != nil {
		e.Logger.Warn("stopping container", slog.String("error", err.Error()))
	}
	return nil
}

func (e *engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusView(e.Manager.State()))
}

type execRequest struct {
	Identity string            `json:"identity"`
	Command  string            `json:"command"`
	Policy   string            `json:"policy,omitempty"`
	Timeout  int               `json:"timeout_seconds,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

type execResponse struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (e *engine) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Identity == "" {
		req.Identity = "default"
	}
	policy, err := parsePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out := e.Manager.Execute(r.Context(), sandbox.Request{
		Identity: req.Identity,
		Command:  req.Command,
		Timeout:  time.Duration(req.Timeout) * time.Second,
		Env:      req.Env,
	}, policy)

	writeJSON(w, http.StatusOK, execResponse{
		Success:  out.Success(),
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	})
}

type processStartRequest struct {
	Identity string `json:"identity"`
	Command  string `json:"command"`
	Tag      string `json:"tag,omitempty"`
}

func (e *engine) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req processStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Identity == "" {
		req.Identity = "default"
	}

	p, err := e.Manager.Background(req.Identity, req.Command, req.Tag)
	switch {
	case errors.Is(err, sandbox.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err)
		return
	case errors.Is(err, sandbox.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (e *engine) handleProcessList(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = "default"
	}
	writeJSON(w, http.StatusOK, e.Supervisor.ListBySandbox(identity))
}

func (e *engine) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	offset := queryInt(r, "offset")
	limit := queryInt(r, "limit")

	page, err := e.Supervisor.ReadLogs(r.PathValue("id"), stream, offset, limit)
	switch {
	case errors.Is(err, sandbox.ErrProcessNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, sandbox.ErrUnknownStream):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (e *engine) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	p, err := e.Supervisor.Kill(r.PathValue("id"))
	if errors.Is(err, sandbox.ErrProcessNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func queryInt(r *http.Request, key string) int {
	v := 0
	_, _ = fmt.Sscanf(r.URL.Query().Get(key), "%d", &v)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
