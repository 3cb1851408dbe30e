// Package server hosts the HTTP and WebSocket surface of a serve process:
// question poll/answer/cancel endpoints for cross-process callers, execution
// endpoints, and the operator stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/policy"
	"agentdeck/internal/serviceapi"
	"agentdeck/internal/store"
)

type Options struct {
	Addr            string
	DBPath          string
	PolicyPath      string
	ShutdownTimeout time.Duration
}

type Runtime struct {
	opts      Options
	core      *serviceapi.LocalCore
	startedAt time.Time
	server    *http.Server
	pool      *streamPool
	logger    zerolog.Logger

	pumpCancel context.CancelFunc
}

type HealthResponse struct {
	Status    string                    `json:"status"`
	StartedAt time.Time                 `json:"started_at"`
	Now       time.Time                 `json:"now"`
	Core      serviceapi.HealthResponse `json:"core"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	core, err := serviceapi.NewLocalCore(serviceapi.LocalOptions{
		DBPath:     options.DBPath,
		PolicyPath: options.PolicyPath,
	})
	if err != nil {
		return nil, err
	}
	runtime := &Runtime{
		opts:      options,
		core:      core,
		startedAt: time.Now().UTC(),
		pool:      newStreamPool(),
		logger:    log.With().Str("component", "server").Logger(),
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime, nil
}

// Handler exposes the route table for tests.
func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	r.pumpCancel = pumpCancel
	if err := r.core.StartAnswerFeed(pumpCtx); err != nil {
		pumpCancel()
		r.core.Shutdown()
		return err
	}
	if err := r.startStreamPump(pumpCtx); err != nil {
		pumpCancel()
		r.core.Shutdown()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.teardown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.teardown()
		return err
	}
	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	if r.pumpCancel != nil {
		r.pumpCancel()
		r.pumpCancel = nil
	}
	r.pool.CloseAll()
	r.core.Shutdown()
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3020"
	}
	if options.DBPath == "" {
		options.DBPath = store.DefaultDBPath
	}
	if options.PolicyPath == "" {
		options.PolicyPath = policy.DefaultPolicyPath
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	core, err := r.core.Health(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    core.Status,
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Core:      core,
	})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func decodeJSON(req *http.Request, out any) error {
	defer func() { _ = req.Body.Close() }()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
