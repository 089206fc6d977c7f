// Package health provides the engine's HTTP health surface: liveness and
// readiness probes plus a status endpoint reporting engine state, uptime,
// active tenants, per-bucket remaining balances, and the last error seen per
// component.
//
// The Handler struct is goroutine-safe: state is updated from the engine
// loop and its subsystems while HTTP handlers read it concurrently from the
// probe server.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort is the default listen port for health probe endpoints.
const DefaultPort = 8081

// HeartbeatTimeout is the maximum time since the last heartbeat before
// the liveness probe reports failure.
const HeartbeatTimeout = 30 * time.Second

// State is the engine lifecycle phase reported by the status endpoint.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// statusResponse is the JSON body returned by the probe endpoints.
type statusResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// engineStatus is the JSON body returned by the status endpoint.
type engineStatus struct {
	State                State              `json:"state"`
	UptimeSeconds        float64            `json:"uptime_seconds"`
	ActiveTenants        int                `json:"active_tenants"`
	BucketRemainingByKey map[string]float64 `json:"bucket_remaining_by_key,omitempty"`
	LastErrorByComponent map[string]string  `json:"last_error_by_component,omitempty"`
}

// Handler manages health and status state and serves HTTP probe endpoints.
// All state-mutation methods are goroutine-safe.
type Handler struct {
	logger *slog.Logger

	// heartbeat tracks the last time UpdateHeartbeat was called.
	// Stored as UnixNano. Accessed atomically.
	heartbeat atomic.Int64

	// nowFunc returns the current time. Overridable for testing.
	nowFunc func() time.Time

	startedAt time.Time

	// mu guards the fields below.
	mu              sync.RWMutex
	state           State
	storeReachable  bool
	repoReachable   bool
	activeTenants   int
	bucketRemaining map[string]float64
	lastErrors      map[string]string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for the Handler. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithNowFunc overrides the time source. Intended for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(h *Handler) {
		h.nowFunc = fn
	}
}

// NewHandler creates a new Handler with the given options.
// The initial heartbeat is set to the current time so the liveness probe
// succeeds immediately after startup.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:          slog.Default(),
		nowFunc:         time.Now,
		state:           StateStarting,
		bucketRemaining: make(map[string]float64),
		lastErrors:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.nowFunc()
	// Set initial heartbeat to now so liveness succeeds at startup.
	h.heartbeat.Store(h.nowFunc().UnixNano())
	return h
}

// UpdateHeartbeat records that the engine loop is alive.
// This should be called periodically (e.g., every 10s) from the main loop.
func (h *Handler) UpdateHeartbeat() {
	h.heartbeat.Store(h.nowFunc().UnixNano())
}

// SetState moves the reported lifecycle phase.
func (h *Handler) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// SetStoreReachable updates whether the counter store is reachable.
func (h *Handler) SetStoreReachable(reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeReachable = reachable
}

// SetRepositoryReachable updates whether the repository is reachable.
func (h *Handler) SetRepositoryReachable(reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repoReachable = reachable
}

// SetActiveTenants updates the number of active tenants in the registry.
func (h *Handler) SetActiveTenants(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeTenants = count
}

// SetBucketRemaining replaces the per-bucket balance snapshot.
func (h *Handler) SetBucketRemaining(remaining map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bucketRemaining = remaining
}

// RecordError stores the most recent error for a component. A nil error
// clears it.
func (h *Handler) RecordError(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.lastErrors, component)
		return
	}
	h.lastErrors[component] = err.Error()
}

// LivezCheck returns nil if the liveness check passes, or an error describing
// why it fails. Exported for programmatic use.
func (h *Handler) LivezCheck() error {
	lastNano := h.heartbeat.Load()
	last := time.Unix(0, lastNano)
	elapsed := h.nowFunc().Sub(last)
	if elapsed > HeartbeatTimeout {
		return fmt.Errorf("heartbeat stale: last update %s ago (threshold %s)", elapsed.Round(time.Second), HeartbeatTimeout)
	}
	return nil
}

// ReadyzCheck returns nil if the readiness check passes, or an error
// describing why it fails. The engine is ready when it is running and both
// backing stores are reachable.
func (h *Handler) ReadyzCheck() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateRunning {
		return fmt.Errorf("engine is %s", h.state)
	}
	if !h.storeReachable {
		return fmt.Errorf("counter store is not reachable")
	}
	if !h.repoReachable {
		return fmt.Errorf("repository is not reachable")
	}
	return nil
}

// HandleLivez is the HTTP handler for the /healthz liveness endpoint.
// Returns 200 if the heartbeat was updated within the last 30 seconds,
// 503 otherwise.
func (h *Handler) HandleLivez(w http.ResponseWriter, r *http.Request) {
	if err := h.LivezCheck(); err != nil {
		h.logger.Warn("liveness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{
			Status: "fail",
			Details: map[string]string{
				"heartbeat": err.Error(),
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleReadyz is the HTTP handler for the /readyz readiness endpoint.
// Returns 200 if the engine is running and its stores are reachable,
// 503 otherwise.
func (h *Handler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.ReadyzCheck(); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{
			Status: "fail",
			Details: map[string]string{
				"reason": err.Error(),
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleStatus is the HTTP handler for the /statusz endpoint. It always
// returns 200 with the full engine status body.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	body := engineStatus{
		State:                h.state,
		UptimeSeconds:        h.nowFunc().Sub(h.startedAt).Seconds(),
		ActiveTenants:        h.activeTenants,
		BucketRemainingByKey: copyMap(h.bucketRemaining),
		LastErrorByComponent: copyMap(h.lastErrors),
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func copyMap[V any](in map[string]V) map[string]V {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NewServeMux creates an http.ServeMux wired to the handler's endpoints.
func (h *Handler) NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleLivez)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/statusz", h.HandleStatus)
	return mux
}

// Server wraps an *http.Server for the health probe endpoints.
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
}

// NewServer creates a health probe HTTP server listening on the given port.
// The port must be in range [1, 65535].
func NewServer(handler *Handler, port int) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("health: handler must not be nil")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("health: port %d out of valid range [1, 65535]", port)
	}

	mux := handler.NewServeMux()
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
		logger:     handler.logger,
	}, nil
}

// ListenAndServe starts the health probe server. It blocks until the server
// is shut down or encounters an unrecoverable error. Returns
// http.ErrServerClosed on clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("health probe server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve starts the health probe server on the given listener. Useful for
// testing where the port is dynamically assigned.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("health probe server starting", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the health probe server, waiting for
// in-flight requests to complete or until the context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("health probe server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, body statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
