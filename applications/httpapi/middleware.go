package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/neuroinfer/segserve/internal/httputil"
	"github.com/neuroinfer/segserve/internal/metrics"
	"github.com/neuroinfer/segserve/internal/obslog"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs every request's method, path, status, and duration.
func loggingMiddleware(logger *obslog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			if logger != nil {
				logger.LogHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}

// metricsMiddleware records per-request Prometheus metrics, using the
// matched route's path template (not the raw URL) as the path label so
// session/model ids never become a cardinality explosion.
func metricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(r.Method, path, fmt.Sprintf("%d", wrapped.statusCode), time.Since(start))
		})
	}
}

// recoveryMiddleware recovers from a handler panic, logs it, and returns a
// 500 instead of crashing the process.
func recoveryMiddleware(logger *obslog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithFields(nil).WithField("panic", fmt.Sprintf("%v", rec)).
							WithField("stack", string(debug.Stack())).
							WithField("path", r.URL.Path).Error("panic recovered")
					}
					httputil.InternalError(w, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
