// Package statusapi serves the read-only control surface of the autoscaler.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
)

// Routes.
const (
	StatusPath  = "/status"
	MetricsPath = "/metrics"
	HealthPath  = "/healthz"
)

const shutdownTimeout = 5 * time.Second

// StatusSource returns the latest published fleet status.
type StatusSource interface {
	Get() v1alpha1.FleetStatus
}

// Options configures the server.
type Options struct {
	// Addr is the listen address of Start.
	Addr string
	// MaxTickAge fails /healthz when the last tick is older. Zero disables the check.
	MaxTickAge time.Duration
	Clock      clock.PassiveClock
}

// Server exposes /status, /metrics and /healthz.
type Server struct {
	opts     Options
	status   StatusSource
	gatherer prometheus.Gatherer
}

// NewServer creates a server reporting status and the metrics of gatherer.
func NewServer(opts Options, status StatusSource, gatherer prometheus.Gatherer) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Server{opts: opts, status: status, gatherer: gatherer}
}

// Handler returns the HTTP handler of the control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	mux.Handle("GET "+MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := ctrl.Log.WithName("statusapi")
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving control surface", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving control surface: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down control surface: %w", err)
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.status.Get()); err != nil {
		ctrl.Log.WithName("statusapi").Error(err, "Encoding status")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.MaxTickAge > 0 {
		last := s.status.Get().LastTick
		if last.IsZero() {
			http.Error(w, "no reconciliation tick completed yet", http.StatusServiceUnavailable)
			return
		}
		if age := s.opts.Clock.Since(last.Time); age > s.opts.MaxTickAge {
			http.Error(w, fmt.Sprintf("last reconciliation tick was %s ago", age.Round(time.Second)), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
