package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-tasklists/pkg/config"
	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

var (
	driverFlag   string
	databaseFlag string
)

var rootCmd = &cobra.Command{
	Use:   "tasklistctl",
	Short: "Operate a task list sync database",
	Long: `tasklistctl manages the database behind the task list sync server: it applies
migrations, seeds lists and members, sweeps expired sessions and inspects the
CRDT documents that back each list.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	rootCmd.PersistentFlags().StringVar(&driverFlag, "driver", "", "database driver, sqlite3 or postgres (default from DATABASE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&databaseFlag, "database", "", "database path or url (default from DATABASE_URL)")
}

// openDB opens the database named by flags, falling back to the server's environment config.
func openDB() (*store.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if driverFlag != "" {
		cfg.DatabaseDriver = driverFlag
	}
	if databaseFlag != "" {
		cfg.DatabaseURL = databaseFlag
	}
	db, err := store.Open(store.Driver(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, cfg, nil
}

func newManager(db *store.DB, cfg *config.Config) *session.Manager {
	docs := docstore.New(docstore.Options{})
	return session.NewManager(db, docs, session.Options{
		ActiveTTL:     cfg.ActiveTTL(),
		BackgroundTTL: cfg.BackgroundTTL(),
	})
}

func loadRecord(ctx context.Context, db *store.DB, listID string) (*store.DocumentRecord, error) {
	var rec *store.DocumentRecord
	err := db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = tx.GetDocument(ctx, listID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("list %s has no document; nobody holds a session on it", listID)
	}
	return rec, nil
}
