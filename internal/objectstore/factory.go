package objectstore

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/eteran/lightbox/internal/config"
	"github.com/eteran/lightbox/internal/sigv4"
)

// NewFromConfig builds the backend selected by cfg.Backend.
func NewFromConfig(cfg config.Storage) (Client, error) {
	endpoint, err := cfg.EndpointURL()
	if err != nil {
		return nil, err
	}

	creds := sigv4.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	}

	slog.Info("Configuring object store",
		"backend", cfg.Backend,
		"endpoint", endpoint.String(),
		"bucket", cfg.Bucket,
	)

	switch cfg.Backend {
	case config.BackendSigned, "":
		return NewSignedClient(endpoint, cfg.Bucket, creds, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	case config.BackendMinio:
		return NewMinioClient(endpoint, cfg.Bucket, creds)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
