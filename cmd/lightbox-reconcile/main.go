// Command lightbox-reconcile finds objects in one owner's namespace that the
// catalog no longer references, and optionally deletes them. It prints the
// run's report as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/eteran/lightbox/internal/catalog"
	"github.com/eteran/lightbox/internal/config"
	"github.com/eteran/lightbox/internal/logging"
	"github.com/eteran/lightbox/internal/objectstore"
	"github.com/eteran/lightbox/internal/reconcile"
)

func Run(ctx context.Context) error {

	owner := flag.String("owner", "", "owner id whose namespace is reconciled (required)")
	scope := flag.String("scope", "", "optional folder below the owner, e.g. portfolio")
	live := flag.Bool("live", false, "delete orphans instead of only reporting them")
	envFile := flag.String("env-file", ".env", "optional file of environment variables")

	flag.Parse()

	if *owner == "" {
		flag.Usage()
		return errors.New("-owner is required")
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only the report.
	if err := logging.Setup(os.Stderr, cfg.LogLevel); err != nil {
		return err
	}

	if err := cfg.Validate(config.RequireStorage, config.RequireCatalog); err != nil {
		return err
	}

	refs, err := catalog.ParseReferences(cfg.Catalog.References)
	if err != nil {
		return err
	}

	db, err := catalog.Open(cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := objectstore.NewFromConfig(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	svc := reconcile.NewService(store, catalog.NewSQLSource(db, cfg.Catalog.Driver, refs), cfg.Storage.PublicBaseURL)

	report, err := svc.Run(ctx, reconcile.Options{
		Owner:  *owner,
		Scope:  *scope,
		DryRun: !*live,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Reconciliation failed", "error", err)
		os.Exit(1)
	}
}
