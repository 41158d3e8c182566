package middleware

import (
	"log"
	"net/http"
	"strings"
)

// CORSMiddleware enforces the configured origin allowlist. A request
// carrying an Origin header that matches nothing is still let through
// (the sync API has no cookie-based session to protect against CSRF),
// but the browser won't see the CORS headers it needs to read the
// response, so we log the rejection tagged with the same request id
// LoggerMiddleware already attached, to make it findable when a client
// reports mysteriously failing sync requests.
func CORSMiddleware(allowedOrigins, allowedMethods, allowedHeaders string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origins := strings.Split(allowedOrigins, ",")
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range origins {
				if strings.TrimSpace(o) == "*" || strings.TrimSpace(o) == origin {
					allowed = true
					break
				}
			}

			if allowed {
				if origin != "" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				} else if allowedOrigins == "*" {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				}
			} else if origin != "" {
				log.Printf("cors: request %s: rejected origin %q", RequestIDFromContext(r.Context()), origin)
			}

			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
