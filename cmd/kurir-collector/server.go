package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/kurir"
)

const maxBatchBytes = 1 << 20

// Server accepts report batches in the kurir.Reporter wire format and keeps
// them in a kurir.FallbackStore.
type Server struct {
	store    kurir.FallbackStore
	key      string
	logger   *zap.Logger
	registry *prometheus.Registry
	router   *mux.Router

	received *prometheus.CounterVec
	rejected prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewServer builds the router. A nil store keeps reports in memory.
func NewServer(store kurir.FallbackStore, logger *zap.Logger) *Server {
	if store == nil {
		store = kurir.NewMemoryFallback()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	s := &Server{
		store:    store,
		key:      "kurir:collected",
		logger:   logger,
		registry: registry,
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kurir_collector_reports_total",
			Help: "Reports accepted by the collector, by error type",
		}, []string{"type"}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "kurir_collector_rejected_batches_total",
			Help: "Batches that could not be decoded or stored",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kurir_collector_request_duration_seconds",
			Help:    "Collector request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	s.router = mux.NewRouter()
	s.router.Use(s.metricsMiddleware)
	s.router.HandleFunc("/api/error-report", s.handleReport).Methods(http.MethodPost)
	s.router.HandleFunc("/api/error-report", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes+1))
	if err != nil || len(body) > maxBatchBytes {
		s.reject(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		s.reject(w, http.StatusBadRequest, "body must be a JSON array of reports")
		return
	}

	for _, raw := range batch {
		var report kurir.Report
		if err := json.Unmarshal(raw, &report); err != nil || report.Error.Type == "" {
			s.reject(w, http.StatusBadRequest, "every report needs error.type")
			return
		}
		s.received.WithLabelValues(report.Error.Type).Inc()
		s.logger.Info("Error report received",
			zap.String("type", report.Error.Type),
			zap.String("message", report.Error.Message),
			zap.String("trace", report.Trace),
			zap.String("url", report.Environment.URL),
		)
	}

	if err := s.store.Append(r.Context(), s.key, batch...); err != nil {
		s.logger.Error("Failed to store reports", zap.Error(err))
		s.reject(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(batch)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Load(r.Context(), s.key)
	if err != nil {
		s.logger.Error("Failed to load reports", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := kurir.GetVersionInfo()
	info["status"] = "ok"
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) reject(w http.ResponseWriter, status int, msg string) {
	s.rejected.Inc()
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.duration.WithLabelValues(r.Method, route, strconv.Itoa(wrapper.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Collector listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Stopping collector")
	return srv.Shutdown(shutdownCtx)
}
