package tlmetrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/commatea/tileble-adapter/pkg/tlog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /healthz for whatever process embeds the
// adapter. It is entirely optional and outside the core's own
// concerns — it only reads the counters above, it never drives the
// dongle.
type Server struct {
	srv *http.Server
}

// HealthFunc reports adapter health for /healthz.
type HealthFunc func() (healthy bool, detail map[string]any)

// NewServer builds a Server listening on addr. health may be nil, in
// which case /healthz always reports healthy.
func NewServer(addr string, health HealthFunc) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		healthy := true
		var detail map[string]any
		if health != nil {
			healthy, detail = health()
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"healthy": healthy,
			"detail":  detail,
		})
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: r,
		},
	}
}

// Start runs the server in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			tlog.Global().Error("metrics server stopped", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
