package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ansible-api/internal/api"
	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/events"
	"github.com/mattjoyce/ansible-api/internal/filestore"
	"github.com/mattjoyce/ansible-api/internal/gateway"
	"github.com/mattjoyce/ansible-api/internal/history"
	"github.com/mattjoyce/ansible-api/internal/lock"
	"github.com/mattjoyce/ansible-api/internal/log"
	"github.com/mattjoyce/ansible-api/internal/metrics"
	"github.com/mattjoyce/ansible-api/internal/playbook"
	"github.com/mattjoyce/ansible-api/internal/runner"
	"github.com/mattjoyce/ansible-api/internal/safety"
	"github.com/mattjoyce/ansible-api/internal/signature"
	"github.com/mattjoyce/ansible-api/internal/storage"
)

const (
	eventBufferSize = 256
	pruneInterval   = time.Hour
)

func newServeCmd(configPath *string) *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile(*configPath))
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx, drainTimeout)
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second,
		"How long to wait for running jobs on shutdown before cancelling them")
	return cmd
}

// app is a fully wired server.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	server     *api.Server
	history    *history.Store
	db         *sql.DB
	pidLock    *lock.PIDLock
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")
	logger.Info("ansible-api starting",
		"version", version,
		"config", cfg.SourcePath,
		"fingerprint", cfg.Fingerprint,
	)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	algorithm, err := signature.ParseAlgorithm(cfg.Auth.Algorithm)
	if err != nil {
		return nil, err
	}
	apiCfg, err := apiConfig(cfg)
	if err != nil {
		return nil, err
	}
	files, err := filestore.NewFSStore(cfg.Dirs.Script, cfg.Dirs.Playbook)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	var observers dispatch.Observers
	var jobs gateway.JobStore
	if cfg.State.Path != "" {
		a.pidLock, err = lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to acquire PID lock (another instance may be running): %w", err)
		}
		logger.Info("acquired PID lock", "path", a.pidLock.Path())

		a.db, err = storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		logger.Info("database opened", "path", cfg.State.Path)

		a.history = history.NewStore(a.db)
		observers = append(observers, history.NewObserver(a.history))
		jobs = a.history
	} else {
		logger.Info("job history disabled")
	}

	hub := events.NewHub(eventBufferSize)
	observers = append(observers, events.NewObserver(hub))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(func() map[string]dispatch.Stats { return a.dispatcher.Stats() })
		observers = append(observers, m)
	}

	// Jobs outlive requests and the shutdown signal; close drains them.
	a.dispatcher = dispatch.New(context.Background(), dispatch.Config{
		AsyncSize:  cfg.Dispatch.AsyncSize(),
		SyncSize:   cfg.Dispatch.SyncSize(),
		MaxQueue:   cfg.Dispatch.MaxQueue,
		JobTimeout: cfg.Dispatch.JobTimeout,
	}, observers)

	gw := gateway.New(gateway.Options{
		Signer:     signature.New(cfg.Auth.SignKey, algorithm),
		Filter:     safety.New(cfg.Safety.DeniedCommands, cfg.Safety.ShellModules),
		Dispatcher: a.dispatcher,
		Runner: runner.NewAnsible(runner.Config{
			AnsibleBin:  cfg.Runner.AnsibleBin,
			PlaybookBin: cfg.Runner.PlaybookBin,
			Inventory:   cfg.Runner.Inventory,
			ExtraArgs:   cfg.Runner.ExtraArgs,
			Env:         cfg.Runner.Env,
		}),
		Files: files,
		Vars:  playbook.NewResolver(cfg.Dirs.Playbook),
		Jobs:  jobs,
	})

	a.server = api.New(apiCfg, gw, a.dispatcher.Stats, hub, m, log.WithComponent("api"))

	ok = true
	return a, nil
}

// run serves until ctx ends, then drains the worker pools.
func (a *app) run(ctx context.Context, drainTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Start(gctx) })
	if a.history != nil && a.cfg.State.Retention > 0 {
		g.Go(func() error { return a.pruneLoop(gctx) })
	}
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := a.dispatcher.Close(drainCtx); derr != nil {
		a.logger.Warn("jobs cancelled at shutdown", "error", derr)
	}
	a.logger.Info("ansible-api stopped")
	return err
}

func (a *app) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := a.history.Prune(ctx, a.cfg.State.Retention)
		if err != nil {
			a.logger.Error("failed to prune job history", "error", err)
		} else if n > 0 {
			a.logger.Info("pruned job history", "deleted", n, "retention", a.cfg.State.Retention)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close database", "error", err)
		}
	}
	if err := a.pidLock.Release(); err != nil {
		a.logger.Error("failed to release PID lock", "error", err)
	}
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	out := api.Config{
		Listen:      cfg.API.Listen,
		CORSOrigins: cfg.API.CORSOrigins,
		MaxBodySize: cfg.API.MaxBodySize,
	}
	for _, entry := range cfg.API.AllowIP {
		prefix, err := config.ParseAllowEntry(entry)
		if err != nil {
			return api.Config{}, fmt.Errorf("api.allow_ip %q: %w", entry, err)
		}
		out.AllowIP = append(out.AllowIP, prefix)
	}
	for _, entry := range cfg.API.TrustedProxies {
		prefix, err := config.ParseAllowEntry(entry)
		if err != nil {
			return api.Config{}, fmt.Errorf("api.trusted_proxies %q: %w", entry, err)
		}
		out.TrustedProxies = append(out.TrustedProxies, prefix)
	}
	if cfg.Dispatch.JobTimeout > 0 {
		out.WriteTimeout = cfg.Dispatch.JobTimeout + time.Minute
	}
	return out, nil
}
