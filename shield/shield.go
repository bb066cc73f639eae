// Package shield holds the HTTP middleware every SiteFinder route runs
// behind: security headers that allow same-origin framing, body limits,
// request tracing, rate limiting of pipeline endpoints and HEAD handling.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(rl, 64*1024, nil) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Stack returns the standard middleware stack, outermost first:
// HeadToGet → SecurityHeaders → MaxFormBody → TraceID → RateLimiter.
// A nil limiter is skipped. X-Forwarded-For is only read from proxies.
func Stack(rl *RateLimiter, maxFormBody int64, proxies TrustedProxies) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxFormBody(maxFormBody),
		TraceID(proxies),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
