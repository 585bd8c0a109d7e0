package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/server"
)

// shutdownTimeout bounds how long running attempts get to finalize on shutdown.
const shutdownTimeout = time.Minute

func newServeCommand(environ []string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the deployment API and follow running attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := parseConfig(environ)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	artifacts, err := artifact.NewStore(&cfg.Artifact)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := deploy.NewMetrics(registry)

	orchestrator, err := deploy.NewOrchestrator(&deploy.OrchestratorParams{
		Database:  a.db,
		Locker:    a.locker,
		Profiles:  a.profiles,
		Git:       a.git,
		Publisher: a.events,
		Metrics:   metrics,
		Log:       log,
	})
	if err != nil {
		return err
	}

	reconciler := deploy.NewReconciler(&deploy.ReconcilerParams{
		Database:   a.db,
		Locker:     a.locker,
		Profiles:   a.profiles,
		Recovery:   a.sink,
		StaleAfter: cfg.Reconcile.StaleAfter,
		Metrics:    metrics,
		Log:        log,
	})
	if n, err := reconciler.Reconcile(ctx); err != nil {
		log.Error("didn't reconcile", "error", err)
	} else if n > 0 {
		log.Info("reconciled stale attempts", "count", n)
	}
	scheduler, err := reconciler.Schedule(ctx, cfg.Reconcile.schedule())
	if err != nil {
		return err
	}
	defer func() {
		<-scheduler.Stop().Done()
	}()

	service := deploy.NewService(&deploy.ServiceParams{
		Database:  a.db,
		Locker:    a.locker,
		Profiles:  a.profiles,
		Artifacts: artifacts,
		Log:       log,
	})

	srv := server.New(&cfg.Server, &server.Params{
		Starter:  orchestrator,
		Service:  service,
		Gatherer: registry,
		Checks: map[string]server.Check{
			"postgres": a.pool.Ping,
			"redis": func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			},
		},
		Log: log,
	})

	errc := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err = <-errc:
		if err != nil {
			err = fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, err)
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		errs = append(errs, fmt.Errorf("server: %w", shutdownErr))
	}
	if shutdownErr := orchestrator.Shutdown(shutdownCtx); shutdownErr != nil {
		errs = append(errs, shutdownErr)
	}
	return errors.Join(errs...)
}
