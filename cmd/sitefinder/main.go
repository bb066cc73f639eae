// Command sitefinder serves the gene analysis wizard over HTTP, with an
// optional MCP endpoint exposing the same two pipeline stages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sitefinder/artifact"
	"github.com/hazyhaar/sitefinder/audit"
	"github.com/hazyhaar/sitefinder/dbopen"
	"github.com/hazyhaar/sitefinder/jobrun"
	"github.com/hazyhaar/sitefinder/shield"
	"github.com/hazyhaar/sitefinder/wizard"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Audit and rate-limit rules share one database.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	auditLogger := audit.NewSQLiteLogger(db)
	if err := auditLogger.Init(); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	if err := shield.Init(db); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}
	if err := shield.SeedRules(ctx, db, rateRules(cfg)); err != nil {
		slog.Error("seed rate limits", "error", err)
		os.Exit(1)
	}
	rl := shield.NewRateLimiter(db, "/static/", "/healthz", cfg.MCP.Path)
	rl.StartReloader(ctx.Done())

	// Pipeline and artifact wait.
	invoker := jobrun.New(cfg.Stages, jobrun.WithAudit(auditLogger), jobrun.WithLogger(logger))
	waitOpts := artifact.Options{Policy: cfg.Wait.Policy(), Logger: logger}
	if cfg.Wait.Watch {
		sig, err := artifact.NewFSNotify(logger)
		if err != nil {
			slog.Warn("fsnotify unavailable, polling only", "error", err)
		} else {
			defer sig.Close()
			waitOpts.Signal = sig
		}
	}
	waiter := artifact.New(waitOpts)

	svc := wizard.New(cfg, invoker, waiter, logger)
	go svc.Run(ctx)

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "sitefinder", Version: "1.0.0"}, nil)
		svc.RegisterMCP(mcpSrv, auditLogger)
		mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	}

	// WriteTimeout stays 0: highlight events are long-lived streams.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(svc, rl, cfg, mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "mcp", cfg.MCP.Enabled, "artifact_root", cfg.ArtifactRoot)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	svc.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func newRouter(svc *wizard.Service, rl *shield.RateLimiter, cfg *wizard.Config, mcpHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	// Validated by loadConfig.
	proxies, _ := shield.ParseTrustedProxies(cfg.Limits.TrustedProxies)
	for _, mw := range shield.Stack(rl, cfg.Limits.MaxFormBody, proxies) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if mcpHandler != nil {
		r.Handle(cfg.MCP.Path, mcpHandler)
	}
	svc.Routes(r)
	return r
}

// loadConfig reads CONFIG if set, then applies environment overrides.
func loadConfig() (*wizard.Config, error) {
	cfg := wizard.DefaultConfig()
	if path := os.Getenv("CONFIG"); path != "" {
		var err error
		if cfg, err = wizard.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.ArtifactRoot = env("ARTIFACT_ROOT", cfg.ArtifactRoot)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Limits.TrustedProxies = strings.Split(v, ",")
		if _, err := shield.ParseTrustedProxies(cfg.Limits.TrustedProxies); err != nil {
			return nil, err
		}
	}
	if os.Getenv("MCP_ENABLED") == "1" || os.Getenv("MCP_ENABLED") == "true" {
		cfg.MCP.Enabled = true
	}
	return cfg, nil
}

func rateRules(cfg *wizard.Config) []shield.Rule {
	rules := make([]shield.Rule, 0, len(cfg.Limits.Rate))
	for _, rl := range cfg.Limits.Rate {
		rules = append(rules, shield.Rule{Endpoint: rl.Endpoint, MaxRequests: rl.MaxRequests, WindowSeconds: rl.WindowSeconds})
	}
	return rules
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
