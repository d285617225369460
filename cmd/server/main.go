package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-tasklists/pkg/config"
	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/httpapi"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
	"github.com/astromechza/automerge-tasklists/pkg/syncer"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	slog.Info("Opening database", "driver", cfg.DatabaseDriver)
	db, err := store.Open(store.Driver(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate("up"); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	slog.Info("Ensured schema is up to date")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := notify.NewHub(logger)
	var publisher notify.Publisher = hub
	checks := map[string]httpapi.HealthCheck{"database": db.Ping}
	var broker *notify.RedisBroker
	if cfg.RedisURL != "" {
		if broker, err = notify.NewRedisBroker(ctx, cfg.RedisURL, hub, logger); err != nil {
			return err
		}
		defer broker.Close()
		publisher = broker
		checks["redis"] = broker.Ping
	}

	docs := docstore.New(docstore.Options{Logger: logger})
	sessions := session.NewManager(db, docs, session.Options{
		ActiveTTL:     cfg.ActiveTTL(),
		BackgroundTTL: cfg.BackgroundTTL(),
		Logger:        logger,
	})
	handler := syncer.New(db, docs, sessions, syncer.Options{Publisher: publisher, Logger: logger})
	api := httpapi.New(handler, httpapi.Options{
		Hub:          hub,
		HealthChecks: checks,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})

	servers := []*http.Server{{Addr: cfg.Addr, Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}}
	if cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.AdminAddr, Handler: api.AdminRouter(), ReadHeaderTimeout: 10 * time.Second})
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		eg.Go(func() error {
			slog.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server listen on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if interval := cfg.Sweep(); interval > 0 {
		eg.Go(func() error {
			sessions.RunSweeper(ctx, interval)
			return nil
		})
	}
	if broker != nil {
		eg.Go(func() error {
			return broker.Run(ctx)
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return eg.Wait()
}
