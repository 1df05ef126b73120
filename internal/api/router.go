package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the health, metrics and /api/v1 routes. Extra middleware,
// such as caller authentication, applies to /api/v1 only.
func NewRouter(h *Handler, logger *slog.Logger, mw ...mux.MiddlewareFunc) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := h.reg.Ping(r.Context()); err != nil {
			logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(mw...)
	apiV1.HandleFunc("/commitments", h.CreateCommitment).Methods("POST")
	apiV1.HandleFunc("/commitments", h.ListCommitments).Methods("GET")
	apiV1.HandleFunc("/commitments/count", h.CountCommitments).Methods("GET")
	apiV1.HandleFunc("/commitments/batch", h.BatchCommitments).Methods("POST")
	apiV1.HandleFunc("/commitments/{id:[0-9]+}", h.GetCommitment).Methods("GET")
	apiV1.HandleFunc("/commitments/{id:[0-9]+}/proof", h.SubmitProof).Methods("POST")
	apiV1.HandleFunc("/commitments/{id:[0-9]+}/finalize", h.Finalize).Methods("POST")
	apiV1.HandleFunc("/commitments/{id:[0-9]+}/claim", h.Claim).Methods("POST")
	apiV1.HandleFunc("/commitments/{id:[0-9]+}/cancel", h.Cancel).Methods("POST")
	apiV1.HandleFunc("/commitment-ids", h.ListCommitmentIDs).Methods("GET")
	apiV1.HandleFunc("/events", h.ListEvents).Methods("GET")
	apiV1.HandleFunc("/accounts/{address}/entries", h.GetEntries).Methods("GET")

	return requestIDMiddleware(recoverMiddleware(logger, requestLogMiddleware(logger, r)))
}

// Run serves handler on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func Run(ctx context.Context, logger *slog.Logger, addr string, shutdownTimeout time.Duration, handler http.Handler) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id))
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		requestID, _ := RequestIDFromContext(r.Context())
		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sw.status >= 500 {
			logger.ErrorContext(r.Context(), "http request", attrs...)
			return
		}
		logger.InfoContext(r.Context(), "http request", attrs...)
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				requestID, _ := RequestIDFromContext(r.Context())
				logger.Error("panic recovered", "request_id", requestID, "panic", v)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error":      "Internal Server Error",
					"code":       "internal",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
