package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vextir/lightning"
)

// adminServer serves the operational surface: liveness, status and metrics.
type adminServer struct {
	addr    string
	runtime *Runtime
	logger  lightning.Logger
	server  *http.Server
}

func newAdminServer(addr string, r *Runtime, logger lightning.Logger) *adminServer {
	return &adminServer{addr: addr, runtime: r, logger: logger}
}

func (a *adminServer) Start() error {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", a.handleHealthz)
	router.Get("/status", a.handleStatus)
	router.Handle("/metrics", promhttp.HandlerFor(newMetricsRegistry(a.runtime), promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server failed", "error", err)
		}
	}()
	a.logger.Info("admin server listening", "addr", listener.Addr().String())
	return nil
}

func (a *adminServer) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *adminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	result := a.runtime.bus.HealthCheck(r.Context())
	code := http.StatusOK
	if result.Status == lightning.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  result.Status.String(),
		"latency": result.Latency.String(),
		"details": result.Details,
	})
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	writeJSON(w, http.StatusOK, a.runtime.Status(verbose))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
