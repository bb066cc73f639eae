package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/sitefinder/kit"
)

// TraceID stamps each request with request metadata for the audit trail and
// a per-request logger:
//
//   - a random 8-hex trace id, also returned in X-Trace-ID;
//   - the proxy's X-Request-ID, when present;
//   - the client IP as resolved through proxies.
func TraceID(proxies TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := kit.MetaFrom(r.Context())
			m.TraceID = newTraceID()
			m.RemoteAddr = proxies.ClientIP(r)

			attrs := []any{"trace_id", m.TraceID, "method", r.Method, "path", r.URL.Path, "ip", m.RemoteAddr}
			if rid := r.Header.Get("X-Request-ID"); rid != "" {
				m.RequestID = rid
				attrs = append(attrs, "request_id", rid)
			}
			w.Header().Set("X-Trace-ID", m.TraceID)

			logger := slog.Default().With(attrs...)
			logger.Debug("request")
			ctx := context.WithValue(kit.WithMeta(r.Context(), m), LoggerKey, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTraceID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// GetLogger returns the per-request logger, or slog.Default() outside a
// traced request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
