package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
)

type hostsResponse struct {
	Cursor int             `json:"cursor"`
	Hosts  []registry.Host `json:"hosts"`
}

func setupRouter(reg *registry.Registry, metricsCollector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("GET /status", metricsCollector.Handler())
	mux.HandleFunc("GET /hosts", hostsHandler(reg))
	mux.HandleFunc("GET /healthz", healthzHandler(reg))

	return mux
}

func hostsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hostsResponse{
			Cursor: reg.Cursor(),
			Hosts:  reg.Snapshot(),
		})
	}
}

// healthzHandler reports 200 while at least one host can take traffic.
func healthzHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := len(reg.SnapshotHealthy())
		code := http.StatusOK
		if healthy == 0 {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]int{
			"healthy": healthy,
			"total":   reg.Len(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
