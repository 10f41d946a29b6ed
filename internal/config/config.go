package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	BackendSigned = "signed"
	BackendMinio  = "minio"

	// DefaultReferences lists the URL-bearing columns of the studio schema
	// as table.column:owner_column.
	DefaultReferences = "profiles.avatar_url:id," +
		"portfolio_items.image_url:user_id," +
		"galleries.cover_image_url:user_id," +
		"gallery_photos.photo_url:user_id," +
		"invitations.cover_image_url:user_id," +
		"invitations.gallery_image_urls:user_id"
)

// ErrMissing matches a MissingError.
var ErrMissing = errors.New("missing required configuration")

// MissingError lists every required variable that was absent.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return ErrMissing.Error() + ": " + strings.Join(e.Names, ", ")
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissing
}

// Storage holds the object store credentials. They are process-wide and
// immutable once loaded.
type Storage struct {
	AccountID       string        `env:"R2_ACCOUNT_ID"`
	Bucket          string        `env:"R2_BUCKET_NAME"`
	AccessKeyID     string        `env:"R2_ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"R2_SECRET_ACCESS_KEY"`
	PublicBaseURL   string        `env:"R2_PUBLIC_URL"`
	Endpoint        string        `env:"R2_ENDPOINT"` // Optional, e.g. a local dev store.
	Backend         string        `env:"STORAGE_BACKEND" envDefault:"signed"`
	Timeout         time.Duration `env:"STORE_TIMEOUT" envDefault:"30s"`
}

// EndpointURL resolves the store endpoint. Without an explicit override the
// account id selects the R2 host.
func (s Storage) EndpointURL() (*url.URL, error) {
	raw := s.Endpoint
	if raw == "" {
		if s.AccountID == "" {
			return nil, &MissingError{Names: []string{"R2_ACCOUNT_ID"}}
		}
		raw = "https://" + s.AccountID + ".r2.cloudflarestorage.com"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse store endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store endpoint %q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("store endpoint %q has no host", raw)
	}
	return u, nil
}

type Auth struct {
	JWTSecret         string `env:"JWT_SECRET"`
	PreviousJWTSecret string `env:"JWT_PREVIOUS_SECRET"`
	Audience          string `env:"JWT_AUDIENCE"`
}

type Catalog struct {
	Driver     string `env:"CATALOG_DRIVER" envDefault:"sqlite3"`
	DSN        string `env:"CATALOG_DSN"`
	References string `env:"CATALOG_REFERENCES"`
}

type Limits struct {
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`
	MaxArchiveBytes int64         `env:"MAX_ARCHIVE_BYTES" envDefault:"524288000"`
	IngestBatchSize int           `env:"INGEST_BATCH_SIZE" envDefault:"10"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
}

// Config is built once at process start and handed to every component that
// needs a piece of it.
type Config struct {
	Storage    Storage
	Auth       Auth
	Catalog    Catalog
	Limits     Limits
	JobsDBPath string `env:"JOBS_DB_PATH" envDefault:"./data/jobs.sqlite"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// Requirement names a group of settings a command cannot run without.
type Requirement int

const (
	RequireStorage Requirement = iota
	RequireAuth
	RequireCatalog
)

// Load parses environment variables into Config. It does not check
// requirements; call Validate with what the command needs.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.Storage.AccountID = strings.TrimSpace(cfg.Storage.AccountID)
	cfg.Storage.Bucket = strings.TrimSpace(cfg.Storage.Bucket)
	cfg.Storage.AccessKeyID = strings.TrimSpace(cfg.Storage.AccessKeyID)
	cfg.Storage.SecretAccessKey = strings.TrimSpace(cfg.Storage.SecretAccessKey)
	cfg.Storage.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Storage.PublicBaseURL), "/")
	cfg.Storage.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Storage.Endpoint), "/")
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSigned
	}
	if cfg.Catalog.References == "" {
		cfg.Catalog.References = DefaultReferences
	}
	if cfg.Limits.IngestBatchSize <= 0 {
		cfg.Limits.IngestBatchSize = 10
	}

	return cfg, nil
}

// Validate reports every missing setting for the given requirements in a
// single MissingError.
func (c *Config) Validate(required ...Requirement) error {
	var missing []string
	check := func(name string, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	for _, r := range required {
		switch r {
		case RequireStorage:
			if c.Storage.Endpoint == "" {
				check("R2_ACCOUNT_ID", c.Storage.AccountID)
			}
			check("R2_BUCKET_NAME", c.Storage.Bucket)
			check("R2_ACCESS_KEY_ID", c.Storage.AccessKeyID)
			check("R2_SECRET_ACCESS_KEY", c.Storage.SecretAccessKey)
			check("R2_PUBLIC_URL", c.Storage.PublicBaseURL)
		case RequireAuth:
			check("JWT_SECRET", c.Auth.JWTSecret)
		case RequireCatalog:
			check("CATALOG_DRIVER", c.Catalog.Driver)
			check("CATALOG_DSN", c.Catalog.DSN)
		}
	}

	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}

	if slices.Contains(required, RequireStorage) {
		switch c.Storage.Backend {
		case BackendSigned, BackendMinio:
		default:
			return fmt.Errorf("unknown STORAGE_BACKEND %q (want %q or %q)", c.Storage.Backend, BackendSigned, BackendMinio)
		}
		if _, err := c.Storage.EndpointURL(); err != nil {
			return err
		}
		if _, err := url.ParseRequestURI(c.Storage.PublicBaseURL); err != nil {
			return fmt.Errorf("invalid R2_PUBLIC_URL: %w", err)
		}
	}

	return nil
}
