// Package shield provides the HTTP middleware stack of the chatwatch
// control API: security headers, body limits, request ids with a
// per-request logger, and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.HeadToGet)
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(64 * 1024))
//	r.Use(shield.RequestID)
//	r.Use(shield.NewRateLimiter(10, 20).Middleware)
//
// Or apply the default stack in one call:
//
//	for _, mw := range shield.DefaultAPIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultBodyLimit caps control request bodies.
const DefaultBodyLimit = 64 * 1024

// DefaultAPIStack returns the middleware stack of the control API, in
// order: HeadToGet, SecurityHeaders, MaxBody, RequestID, then rl when it
// is not nil.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultBodyLimit),
		RequestID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// HeadToGet serves HEAD through the GET routes. net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
