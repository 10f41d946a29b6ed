package config_test

import (
	"testing"
	"time"

	"github.com/eteran/lightbox/internal/config"

	"github.com/stretchr/testify/require"
)

func setStorageEnv(t *testing.T) {
	t.Helper()
	t.Setenv("R2_ACCOUNT_ID", "abc123")
	t.Setenv("R2_BUCKET_NAME", "photos")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("R2_PUBLIC_URL", "https://cdn.example.com/")
}

func TestLoadStorageConfig(t *testing.T) {
	setStorageEnv(t)
	t.Setenv("STORE_TIMEOUT", "5s")

	cfg, err := config.Load()
	require.NoError(t, err, "Load error")
	require.NoError(t, cfg.Validate(config.RequireStorage), "Validate error")

	require.Equal(t, "photos", cfg.Storage.Bucket)
	require.Equal(t, "https://cdn.example.com", cfg.Storage.PublicBaseURL, "trailing slash trimmed")
	require.Equal(t, config.BackendSigned, cfg.Storage.Backend, "default backend")
	require.Equal(t, 5*time.Second, cfg.Storage.Timeout)
	require.Equal(t, 10, cfg.Limits.IngestBatchSize, "default batch size")
	require.Equal(t, config.DefaultReferences, cfg.Catalog.References)

	endpoint, err := cfg.Storage.EndpointURL()
	require.NoError(t, err, "EndpointURL error")
	require.Equal(t, "https://abc123.r2.cloudflarestorage.com", endpoint.String())
}

func TestValidateReportsEveryMissingVariable(t *testing.T) {
	t.Setenv("R2_BUCKET_NAME", "photos")

	cfg, err := config.Load()
	require.NoError(t, err, "Load error")

	err = cfg.Validate(config.RequireStorage, config.RequireAuth)
	require.ErrorIs(t, err, config.ErrMissing)

	var missing *config.MissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{
		"R2_ACCOUNT_ID",
		"R2_ACCESS_KEY_ID",
		"R2_SECRET_ACCESS_KEY",
		"R2_PUBLIC_URL",
		"JWT_SECRET",
	}, missing.Names)
}

func TestEndpointOverrideReplacesAccountID(t *testing.T) {
	setStorageEnv(t)
	t.Setenv("R2_ACCOUNT_ID", "")
	t.Setenv("R2_ENDPOINT", "http://localhost:9000/")

	cfg, err := config.Load()
	require.NoError(t, err, "Load error")
	require.NoError(t, cfg.Validate(config.RequireStorage), "account id is optional with an endpoint override")

	endpoint, err := cfg.Storage.EndpointURL()
	require.NoError(t, err, "EndpointURL error")
	require.Equal(t, "localhost:9000", endpoint.Host)
	require.Equal(t, "http", endpoint.Scheme)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	setStorageEnv(t)
	t.Setenv("STORAGE_BACKEND", "ftp")

	cfg, err := config.Load()
	require.NoError(t, err, "Load error")
	require.Error(t, cfg.Validate(config.RequireStorage), "unknown backend")
}
