package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/annotation"
	"github.com/trialpulse/clindata/core/pkg/api"
	"github.com/trialpulse/clindata/core/pkg/auth"
	"github.com/trialpulse/clindata/core/pkg/chain"
	"github.com/trialpulse/clindata/core/pkg/config"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/limiter"
	"github.com/trialpulse/clindata/core/pkg/observability"
	"github.com/trialpulse/clindata/core/pkg/projector"
	"github.com/trialpulse/clindata/core/pkg/store"
	syncpkg "github.com/trialpulse/clindata/core/pkg/sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it exists so tests can drive the binary.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(stderr)
	case "verify":
		return runVerify(stdout, stderr)
	case "rebuild":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: clindatad rebuild <entity_id>")
			return 2
		}
		return runRebuild(args[2], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "clindatad - clinical trial data store")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  clindatad [serve]             start the HTTP server")
	fmt.Fprintln(w, "  clindatad verify              sweep the full hash chain and report")
	fmt.Fprintln(w, "  clindatad rebuild <entity>    refold one entity's state from the ledger")
	fmt.Fprintln(w, "  clindatad help                show this help")
}

// components is everything wired on top of one database handle.
type components struct {
	cfg       *config.Config
	db        *sql.DB
	events    store.Store
	conflicts *syncpkg.ConflictStore
	proj      *projector.Projector
	verifier  *chain.Verifier
	resolver  *syncpkg.Resolver
	notes     *annotation.Store
}

func setup(ctx context.Context) (*components, error) {
	cfg := config.Load()
	initLogging(cfg.LogLevel)

	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return nil, err
		}
		profile.ApplyTo(cfg)
		slog.Info("study profile loaded", "code", profile.Code, "name", profile.Name)
	}

	var db *sql.DB
	var events store.Store
	var err error
	switch cfg.Backend {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc.org/sqlite serializes badly across connections; a single
		// connection plus the store's own mutex keeps writes ordered.
		db.SetMaxOpenConns(1)
		events = store.NewSQLiteStore(db)
	case "postgres":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		events = store.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	type initer interface {
		Init(ctx context.Context) error
	}
	if err := events.(initer).Init(ctx); err != nil {
		return nil, fmt.Errorf("init event store: %w", err)
	}

	assignments := accesscontrol.NewSQLAssignments(db)
	if err := assignments.Init(ctx); err != nil {
		return nil, fmt.Errorf("init assignments: %w", err)
	}
	authz, err := accesscontrol.NewAuthorizer(assignments, accesscontrol.NewSQLOwners(db))
	if err != nil {
		return nil, err
	}

	conflicts := syncpkg.NewConflictStore(db)
	if err := conflicts.Init(ctx); err != nil {
		return nil, fmt.Errorf("init conflict store: %w", err)
	}

	proj := projector.New(db, events, conflicts)
	if err := proj.Init(ctx); err != nil {
		return nil, fmt.Errorf("init projector: %w", err)
	}
	if cfg.Backend == "postgres" {
		if err := proj.EnableRLS(ctx); err != nil {
			return nil, fmt.Errorf("enable state RLS: %w", err)
		}
	}

	verifier := chain.New(events, db, 500)
	if err := verifier.Init(ctx); err != nil {
		return nil, fmt.Errorf("init verifier: %w", err)
	}

	notes := annotation.NewStore(db, events)
	if err := notes.Init(ctx); err != nil {
		return nil, fmt.Errorf("init annotations: %w", err)
	}

	validator, err := event.NewValidator()
	if err != nil {
		return nil, err
	}
	schemaRange, err := semver.NewConstraint(">= 1.0.0, < 2.0.0")
	if err != nil {
		return nil, err
	}

	applier := syncpkg.ApplierFunc(func(ctx context.Context, ev *event.Event) error {
		_, err := proj.Apply(ctx, ev)
		return err
	})
	resolver := syncpkg.NewResolver(events, conflicts, authz, validator, applier, syncpkg.Options{
		SchemaRange:   schemaRange,
		SkewTolerance: cfg.SkewTolerance,
	}).WithRebuilder(&rebuildAdapter{proj: proj})

	return &components{
		cfg:       cfg,
		db:        db,
		events:    events,
		conflicts: conflicts,
		proj:      proj,
		verifier:  verifier,
		resolver:  resolver,
		notes:     notes,
	}, nil
}

// rebuildAdapter exposes the projector's refold to the resolver without a
// package cycle.
type rebuildAdapter struct {
	proj *projector.Projector
}

func (a *rebuildAdapter) RebuildEntity(ctx context.Context, entityID string) error {
	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	_, err := a.proj.Rebuild(svcCtx, entityID)
	if errors.Is(err, projector.ErrNotFound) {
		return nil
	}
	return err
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = c.db.Close() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "clindata-core",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		slog.Warn("observability init failed, continuing without telemetry", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	handler := &api.Handler{
		Events:      c.events,
		Resolver:    c.resolver,
		Projector:   c.proj,
		Verifier:    c.verifier,
		Conflicts:   c.conflicts,
		Annotations: c.notes,
		PageSize:    c.cfg.PageSize,
	}
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var actorLimiter limiter.Store
	if c.cfg.RedisAddr != "" && c.cfg.AppendRPM > 0 {
		actorLimiter = limiter.NewRedisStore(c.cfg.RedisAddr, c.cfg.RedisPassword, c.cfg.RedisDB)
		slog.Info("per-actor append limiter enabled", "rpm", c.cfg.AppendRPM, "burst", c.cfg.AppendBurst)
	}

	var root http.Handler = mux
	root = auth.ActorRateLimit(actorLimiter, limiter.Policy{RPM: c.cfg.AppendRPM, Burst: c.cfg.AppendBurst})(root)
	root = auth.NewMiddleware(auth.NewJWTValidator([]byte(c.cfg.JWTSecret)))(root)
	root = api.NewGlobalRateLimiter(c.cfg.IPRPS, c.cfg.IPBurst).Middleware(root)
	root = auth.CORSMiddleware(nil)(root)
	root = auth.RequestIDMiddleware(root)

	srv := &http.Server{
		Addr:              ":" + c.cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr, "backend", c.cfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}

func runVerify(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = c.db.Close() }()

	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	report, err := c.verifier.Verify(svcCtx)
	if err != nil {
		fmt.Fprintf(stderr, "verification failed to run: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.Verified {
		return 1
	}
	return 0
}

func runRebuild(entityID string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = c.db.Close() }()

	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	state, err := c.proj.Rebuild(svcCtx, entityID)
	if err != nil {
		fmt.Fprintf(stderr, "rebuild failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(state)
	return 0
}
