package middleware

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestID"

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// RequestID returns the correlation id LoggerMiddleware attached to r's
// context, or "" if the middleware never ran.
func RequestID(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}

// RequestIDFromContext is RequestID for callers that only have the
// context, not the *http.Request — the Sync Processor logs against a
// context threaded down from the handler, not the request itself.
func RequestIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return id
}

// LoggerMiddleware mints a request id and logs method/path/status/duration
// against it, so a batch's per-operation log lines can be correlated back
// to the request that produced them.
func LoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := uuid.New().String()
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			r = r.WithContext(ctx)

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			log.Printf("[%s] %s %s - Status: %d - Duration: %v - Request: %s",
				r.Method,
				r.URL.Path,
				r.RemoteAddr,
				rw.statusCode,
				duration,
				requestID,
			)
		})
	}
}
