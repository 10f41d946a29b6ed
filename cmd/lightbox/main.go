package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/lightbox/internal/auth"
	"github.com/eteran/lightbox/internal/catalog"
	"github.com/eteran/lightbox/internal/config"
	"github.com/eteran/lightbox/internal/httpapi"
	"github.com/eteran/lightbox/internal/ingest"
	"github.com/eteran/lightbox/internal/jobs"
	"github.com/eteran/lightbox/internal/logging"
	"github.com/eteran/lightbox/internal/objectstore"
	"github.com/eteran/lightbox/internal/reconcile"
	"github.com/eteran/lightbox/internal/upload"
)

const shutdownTimeout = 15 * time.Second

func authEngine(cfg config.Auth) auth.AuthEngine {
	current := auth.NewJWTAuthEngine(cfg.JWTSecret, cfg.Audience)
	if cfg.PreviousJWTSecret == "" {
		return current
	}
	return auth.NewCompoundAuthEngine(current, auth.NewJWTAuthEngine(cfg.PreviousJWTSecret, cfg.Audience))
}

// reconciler builds the reconciliation service when a catalog is
// configured. The returned close func is never nil.
func reconciler(cfg *config.Config, store objectstore.Client) (httpapi.Reconciler, func() error, error) {
	if cfg.Catalog.DSN == "" {
		slog.Warn("No catalog configured, reconciliation endpoints are disabled")
		return nil, func() error { return nil }, nil
	}

	refs, err := catalog.ParseReferences(cfg.Catalog.References)
	if err != nil {
		return nil, nil, err
	}

	db, err := catalog.Open(cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return nil, nil, err
	}

	source := catalog.NewSQLSource(db, cfg.Catalog.Driver, refs)
	return reconcile.NewService(store, source, cfg.Storage.PublicBaseURL), db.Close, nil
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", ":8080", "HTTP listen address")
	envFile := flag.String("env-file", ".env", "optional file of environment variables")

	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logging.Setup(os.Stdout, cfg.LogLevel); err != nil {
		return err
	}

	if err := cfg.Validate(config.RequireStorage, config.RequireAuth); err != nil {
		return err
	}

	store, err := objectstore.NewFromConfig(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	archives := ingest.NewService(store, cfg.Storage.PublicBaseURL,
		ingest.WithBatchSize(cfg.Limits.IngestBatchSize),
	)

	jobStore, err := jobs.OpenStore(ctx, cfg.JobsDBPath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer jobStore.Close()

	runner := jobs.NewRunner(jobStore, archives, cfg.Limits.JobTimeout)
	defer runner.Close()

	recon, closeCatalog, err := reconciler(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to configure catalog: %w", err)
	}
	defer closeCatalog()

	api := httpapi.NewServer(httpapi.Config{
		Auth:            authEngine(cfg.Auth),
		Uploads:         upload.NewService(store, cfg.Storage.PublicBaseURL, upload.WithMaxBytes(cfg.Limits.MaxUploadBytes)),
		Archives:        archives,
		Jobs:            runner,
		Reconciler:      recon,
		MaxUploadBytes:  cfg.Limits.MaxUploadBytes,
		MaxArchiveBytes: cfg.Limits.MaxArchiveBytes,
	})

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Lightbox HTTP server", "addr", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Lightbox Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Lightbox exited with error", "error", err)
		os.Exit(1)
	}
}
