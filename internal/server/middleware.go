package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const loggerKey ctxKey = iota

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logging tags every request with an ID, logs its outcome, and feeds the
// request counter.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := uuid.NewString()
		logger := s.logger.With("requestId", requestID, "method", r.Method, "path", r.URL.Path)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(
			context.WithValue(r.Context(), loggerKey, logger)))

		logger.Info("request handled",
			"status", rec.status,
			"elapsed", time.Since(started))
		if s.requests != nil {
			s.requests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		}
	})
}

// requestLogger returns the request-scoped logger installed by the logging
// middleware, falling back to the default logger.
func requestLogger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
