package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eteran/lightbox/internal/metrics"
	"github.com/eteran/lightbox/internal/sigv4"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient implements Client on top of minio-go. Continuation tokens are
// the last key of the previous page, passed back to the store as
// start-after.
type MinioClient struct {
	client  *minio.Client
	bucket  string
	maxKeys int
}

// NewMinioClient creates a path-style minio-go client for bucket at
// endpoint, signing with region "auto".
func NewMinioClient(endpoint *url.URL, bucket string, creds sigv4.Credentials) (*MinioClient, error) {
	if endpoint == nil || endpoint.Host == "" {
		return nil, fmt.Errorf("store endpoint must not be empty")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, sigv4.ErrMissingCredentials
	}

	client, err := minio.New(endpoint.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure:       endpoint.Scheme == "https",
		Region:       sigv4.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioClient{
		client:  client,
		bucket:  bucket,
		maxKeys: MaxKeysPerPage,
	}, nil
}

func (c *MinioClient) observe(op string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "200"
	if err != nil {
		status = "error"
		if code := minio.ToErrorResponse(err).StatusCode; code != 0 {
			status = strconv.Itoa(code)
		}
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
}

func (c *MinioClient) wrap(op string, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	body := resp.Code
	if resp.Message != "" {
		body += ": " + resp.Message
	}
	return &StoreError{Op: op, Key: key, StatusCode: resp.StatusCode, Body: body, Err: err}
}

func (c *MinioClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("put: empty key")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	start := time.Now()
	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	c.observe("put", start, err)
	if err != nil {
		return c.wrap("put", key, err)
	}

	slog.Debug("Stored object", "bucket", c.bucket, "key", key, "size", len(data))
	return nil
}

func (c *MinioClient) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("delete: empty key")
	}

	start := time.Now()
	err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	c.observe("delete", start, err)
	if err != nil {
		if isGone(minio.ToErrorResponse(err).StatusCode) {
			return true, nil
		}
		return false, c.wrap("delete", key, err)
	}
	return true, nil
}

func (c *MinioClient) List(ctx context.Context, prefix string, continuationToken string) (Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: continuationToken,
		MaxKeys:    c.maxKeys,
	}

	// Read one key past the page to learn whether another page exists.
	keys := make([]string, 0, c.maxKeys)
	more := false
	for obj := range c.client.ListObjects(ctx, c.bucket, opts) {
		if obj.Err != nil {
			c.observe("list", start, obj.Err)
			return Page{}, c.wrap("list", prefix, obj.Err)
		}
		if len(keys) == c.maxKeys {
			more = true
			break
		}
		keys = append(keys, obj.Key)
	}
	c.observe("list", start, nil)

	page := Page{Keys: keys}
	if more && len(keys) > 0 {
		page.NextContinuationToken = keys[len(keys)-1]
	}
	return page, nil
}
