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
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/lightbox/internal/config"
	"github.com/eteran/lightbox/internal/devstore"
	"github.com/eteran/lightbox/internal/logging"
	"github.com/eteran/lightbox/internal/sigv4"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", ":9000", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "directory for the object database")
	envFile := flag.String("env-file", ".env", "optional file of environment variables")
	bucket := flag.String("bucket", "", "bucket to serve (defaults to R2_BUCKET_NAME)")
	publicRead := flag.Bool("public-read", true, "serve unsigned object reads")

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

	if *bucket == "" {
		*bucket = cfg.Storage.Bucket
	}
	if *bucket == "" {
		return &config.MissingError{Names: []string{"R2_BUCKET_NAME"}}
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	server, err := devstore.NewServer(ctx, devstore.Config{
		DBPath:  filepath.Join(absDataDir, "devstore.sqlite"),
		Buckets: []string{*bucket},
		Credentials: sigv4.Credentials{
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		},
		PublicRead: *publicRead,
	})
	if err != nil {
		return fmt.Errorf("failed to create dev store: %w", err)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting dev store", "addr", *listen, "bucket", *bucket, "data_dir", absDataDir, "public_read", *publicRead)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Dev store exited with error", "error", err)
		os.Exit(1)
	}
}
