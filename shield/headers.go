package shield

import (
	"net/http"
	"strings"
)

// HeaderConfig is the set of headers added to every response. Empty values
// are not sent.
type HeaderConfig struct {
	CSP                string
	FrameOptions       string
	ContentTypeOptions string
	ReferrerPolicy     string
	PermissionsPolicy  string

	// NoStore lists path prefixes whose responses must not be cached:
	// result views belong to one session and vanish when it moves on.
	NoStore []string
}

// DefaultHeaders returns the SiteFinder header set. Result panes are framed
// by pages of the same origin, so framing is limited to 'self' rather than
// denied. Scripts only load from the origin and inline handlers never run.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-src 'self'; frame-ancestors 'self'",
		FrameOptions:       "SAMEORIGIN",
		ContentTypeOptions: "nosniff",
		ReferrerPolicy:     "same-origin",
		PermissionsPolicy:  "camera=(), microphone=(), geolocation=()",
		NoStore:            []string{"/views/", "/results", "/transcripts"},
	}
}

// SecurityHeaders returns middleware applying cfg.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	var fixed [][2]string
	for _, h := range [][2]string{
		{"Content-Security-Policy", cfg.CSP},
		{"X-Frame-Options", cfg.FrameOptions},
		{"X-Content-Type-Options", cfg.ContentTypeOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
	} {
		if h[1] != "" {
			fixed = append(fixed, h)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := w.Header()
			for _, h := range fixed {
				hdr.Set(h[0], h[1])
			}
			for _, prefix := range cfg.NoStore {
				if strings.HasPrefix(r.URL.Path, prefix) {
					hdr.Set("Cache-Control", "no-store")
					break
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
