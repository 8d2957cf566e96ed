package apihttp

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessProbe reports whether the ingestor can accept traffic.
type ReadinessProbe func() bool

// NewMux wires /metrics, /healthz and /readyz. A nil gatherer serves the
// default registry.
func NewMux(gatherer prometheus.Gatherer, ready ReadinessProbe) *http.ServeMux {
	mux := http.NewServeMux()
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", Healthz)
	mux.Handle("/readyz", NewReadyHandler(ready))
	return mux
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadyHandler serves GET /readyz.
type ReadyHandler struct {
	ready ReadinessProbe
}

// NewReadyHandler constructs a ReadyHandler.
func NewReadyHandler(ready ReadinessProbe) *ReadyHandler {
	return &ReadyHandler{ready: ready}
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

func (h *ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ready := h != nil && h.ready != nil && h.ready()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(readyResponse{Ready: ready})
}
