package shield

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sitefinder/kit"
)

// RateLimiter limits requests per client IP and endpoint with the rules of
// the rate_limits table. The client IP is the one TraceID resolved, or the
// peer address when the limiter runs alone. Endpoints without an enabled rule pass through.
// Every allowed POST to a pipeline endpoint spawns a process, so those are
// the rows seeded from configuration.
type RateLimiter struct {
	db      *sql.DB
	exclude []string // path prefixes never limited
	rules   atomic.Pointer[map[string]Rule]

	mu      sync.Mutex
	windows map[string]*window // "ip endpoint" -> current window
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter loads the rules from db. Call StartReloader to pick up
// operator edits and drop expired windows.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		windows: make(map[string]*window),
	}
	empty := map[string]Rule{}
	rl.rules.Store(&empty)
	if err := rl.Reload(); err != nil {
		slog.Warn("ratelimit: initial load failed", "error", err)
	}
	return rl
}

// StartReloader reloads rules every minute and collects expired windows
// every five, until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				if err := rl.Reload(); err != nil {
					slog.Warn("ratelimit: reload failed", "error", err)
				}
			case now := <-gcTick.C:
				rl.gc(now)
			}
		}
	}()
}

// Reload replaces the rules with the table contents. On error the current
// rules stay in force.
func (rl *RateLimiter) Reload() error {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		return fmt.Errorf("shield: load rate limits: %w", err)
	}
	defer rows.Close()

	rules := make(map[string]Rule)
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.Endpoint, &r.MaxRequests, &r.WindowSeconds, &r.Enabled); err != nil {
			return fmt.Errorf("shield: scan rate limit: %w", err)
		}
		rules[r.Endpoint] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("shield: load rate limits: %w", err)
	}
	rl.rules.Store(&rules)
	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
	return nil
}

func (rl *RateLimiter) gc(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, k)
		}
	}
}

// allow counts the request and reports whether it is within the rule. When
// it is not, retry is the time left in the current window.
func (rl *RateLimiter) allow(ip, endpoint string, now time.Time) (ok bool, retry time.Duration) {
	rule, found := (*rl.rules.Load())[endpoint]
	if !found || !rule.Enabled || rule.MaxRequests <= 0 {
		return true, 0
	}

	key := ip + " " + endpoint
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if w == nil || now.After(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(time.Duration(rule.WindowSeconds) * time.Second)}
		return true, 0
	}
	w.count++
	if w.count <= rule.MaxRequests {
		return true, 0
	}
	return false, w.resetAt.Sub(now)
}

// Middleware enforces the rules. Blocked /views/ calls get a JSON 429, pages
// a plain one; both carry Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := kit.GetRemoteAddr(r.Context())
		if ip == "" {
			ip = peerIP(r)
		}
		ok, retry := rl.allow(ip, endpoint, time.Now())
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		if strings.HasPrefix(r.URL.Path, "/views/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		http.Error(w, "Too many requests, please wait a moment.", http.StatusTooManyRequests)
	})
}
