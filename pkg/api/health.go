// Package api exposes the launcher core's local HTTP surface: health and
// readiness probes and the Prometheus metrics endpoint. The cloud-facing
// control plane (node info, alerts, subject list, instance status) is a
// pure Go interface boundary (see pkg/launcher) with no transport bound to
// it here; this package only serves the operator-facing sidecar checks.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/aoslauncher/pkg/metrics"
)

// StorageChecker reports whether the persistence layer is reachable.
type StorageChecker interface {
	Ping() error
}

// HealthServer serves /health, /ready and /metrics over plain HTTP.
type HealthServer struct {
	storage StorageChecker
	mux     *http.ServeMux
}

// NewHealthServer wires a HealthServer against the storage layer. storage
// may be nil, in which case no ping is made and /ready follows only the
// pkg/metrics component registry.
func NewHealthServer(storage StorageChecker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{storage: storage, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// healthHandler is a pure liveness check: 200 as long as the process answers.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   metricsVersion(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks storage reachability and defers the rest of the
// component breakdown to pkg/metrics, which cmd/launcher registers
// ("storage", "nodemgr", "api") as each collaborator finishes starting.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hs.storage != nil {
		if err := hs.storage.Ping(); err != nil {
			metrics.UpdateComponent("storage", false, err.Error())
		} else {
			metrics.UpdateComponent("storage", true, "ok")
		}
	}

	readiness := metrics.GetReadiness()

	statusCode := http.StatusOK
	if readiness.Status != "ready" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(readiness)
}

// Start serves the health endpoints on addr until the process exits or
// ListenAndServe errors.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// GetHandler returns the HTTP handler, for embedding in another mux.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func metricsVersion() string {
	v := metrics.GetHealth().Version
	if v == "" {
		return "dev"
	}
	return v
}
