package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/taskflowhq/taskflow/internal/api"
	"github.com/taskflowhq/taskflow/internal/clock"
	"github.com/taskflowhq/taskflow/internal/config"
	"github.com/taskflowhq/taskflow/internal/pusher"
	"github.com/taskflowhq/taskflow/internal/scheduler"
	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/store/postgres"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		return
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log.Level)

	switch os.Args[1] {
	case "serve":
		serve(cfg, os.Args[2:])
	case "scheduler":
		runScheduler(cfg, os.Args[2:])
	case "pusher":
		runPusher(cfg, os.Args[2:])
	case "migrate":
		migrate(cfg)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("taskflow v0.1.0")
	fmt.Println("Usage: taskflow <serve|scheduler|pusher|migrate> [flags]")
	fmt.Println()
	fmt.Println("  serve      run scheduler, pusher, and admin API in one process")
	fmt.Println("  scheduler  run only the scheduling loop")
	fmt.Println("  pusher     run only the dispatch loop")
	fmt.Println("  migrate    apply the database schema and exit")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// signalContext returns a context cancelled by SIGINT or SIGTERM. The loop
// in flight finishes its tick before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to the in-memory store otherwise. The schema is applied on
// every start; the migration is idempotent.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, using in-memory store")
		return store.NewMemory(), nil
	}
	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// bootstrap opens the store, builds the declared definition catalog, and
// persists it so the admin surface and scheduler share one view.
func bootstrap(ctx context.Context, cfg *config.Config) (store.Store, *taskflow.Registry, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	registry, err := buildRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("build definitions: %w", err)
	}
	if err := registry.Persist(ctx, st); err != nil {
		return nil, nil, fmt.Errorf("persist definitions: %w", err)
	}
	return st, registry, nil
}

func buildPusher(cfg *config.Config, st store.Store, registry *taskflow.Registry) *pusher.Pusher {
	p := pusher.New(st, registry, clock.System())
	p.SetBatchSize(cfg.Pusher.BatchSize)
	for dest, wc := range cfg.Pusher.Workers {
		w := pusher.NewHTTPWorker(wc.URL)
		w.Token = wc.Token
		p.RegisterWorker(dest, w)
		slog.Info("registered push worker", "destination", dest, "url", wc.URL)
	}
	return p
}

func serve(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Addr(), "admin API listen address")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	st, registry, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, registry, clock.System())
	push := buildPusher(cfg, st, registry)
	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(st, registry, clock.System()).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx, cfg.Scheduler.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := push.Run(gctx, cfg.Pusher.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		slog.Info("starting admin API", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("taskflow exited", "err", err)
		os.Exit(1)
	}
}

func runScheduler(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	interval := fs.Duration("interval", cfg.Scheduler.Interval, "tick interval")
	once := fs.Bool("once", false, "run a single tick and exit")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	st, registry, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, registry, clock.System())
	if *once {
		if err := sched.Tick(ctx); err != nil {
			slog.Error("scheduler tick failed", "err", err)
			os.Exit(1)
		}
		return
	}
	if err := sched.Run(ctx, *interval); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler exited", "err", err)
		os.Exit(1)
	}
}

func runPusher(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("pusher", flag.ExitOnError)
	interval := fs.Duration("interval", cfg.Pusher.Interval, "tick interval")
	once := fs.Bool("once", false, "run a single tick and exit")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	st, registry, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	push := buildPusher(cfg, st, registry)
	if *once {
		if err := push.Tick(ctx); err != nil {
			slog.Error("pusher tick failed", "err", err)
			os.Exit(1)
		}
		return
	}
	if err := push.Run(ctx, *interval); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pusher exited", "err", err)
		os.Exit(1)
	}
}

func migrate(cfg *config.Config) {
	if cfg.Database.URL == "" {
		slog.Error("migrate requires a database url")
		os.Exit(1)
	}
	ctx, stop := signalContext()
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("open database failed", "err", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		slog.Error("migration failed", "err", err)
		os.Exit(1)
	}
	slog.Info("migration applied")
}
