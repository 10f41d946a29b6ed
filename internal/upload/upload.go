// Package upload stores single files under their owner's namespace.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/eteran/lightbox/internal/metrics"
	"github.com/eteran/lightbox/internal/objectkey"
	"github.com/eteran/lightbox/internal/objectstore"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes bounds a single upload when no limit is configured.
const DefaultMaxBytes = 25 << 20

var (
	ErrNoFile       = errors.New("no file provided")
	ErrTooLarge     = errors.New("file too large")
	ErrForbidden    = errors.New("key is outside the caller's namespace")
	ErrUnauthorized = errors.New("owner identity required")
)

// File is one incoming upload. ContentType is what the client claimed and
// may be empty.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Result describes a stored object.
type Result struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Key      string `json:"key"`
}

// Service uploads and deletes single objects.
type Service struct {
	store         objectstore.Client
	keys          *objectkey.Generator
	publicBaseURL string
	maxBytes      int64
}

type Option func(*Service)

// WithMaxBytes limits the size of a single upload.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithKeyGenerator replaces the key generator.
func WithKeyGenerator(g *objectkey.Generator) Option {
	return func(s *Service) {
		s.keys = g
	}
}

func NewService(store objectstore.Client, publicBaseURL string, opts ...Option) *Service {
	s := &Service{
		store:         store,
		keys:          objectkey.NewGenerator(),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores file under owner/folder and returns where it can be
// fetched. It performs exactly one Put.
func (s *Service) Upload(ctx context.Context, owner string, folder string, file File) (*Result, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrUnauthorized
	}
	if file.Body == nil {
		return nil, ErrNoFile
	}

	data, err := io.ReadAll(io.LimitReader(file.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	key, err := s.keys.Next(owner, folder, file.Name)
	if err != nil {
		return nil, err
	}

	contentType := DetectContentType(file.ContentType, data)
	if err := s.store.Put(ctx, key, data, contentType); err != nil {
		metrics.UploadsTotal.WithLabelValues(metrics.Status(err)).Inc()
		return nil, fmt.Errorf("upload %q: %w", file.Name, err)
	}
	metrics.UploadsTotal.WithLabelValues(metrics.Status(nil)).Inc()
	metrics.UploadBytesTotal.Add(float64(len(data)))

	slog.Info("Uploaded file", "owner", owner, "key", key, "size", len(data), "content_type", contentType)

	return &Result{
		URL:      objectstore.PublicURL(s.publicBaseURL, key),
		Filename: file.Name,
		Size:     int64(len(data)),
		Key:      key,
	}, nil
}

// Delete removes key after checking it lives in owner's namespace. The
// check happens before any store call.
func (s *Service) Delete(ctx context.Context, owner string, key string) (bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, ErrUnauthorized
	}
	key = strings.TrimPrefix(key, "/")
	if !objectkey.BelongsTo(key, owner) {
		slog.Warn("Rejected delete outside namespace", "owner", owner, "key", key)
		return false, ErrForbidden
	}

	ok, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	slog.Info("Deleted object", "owner", owner, "key", key)
	return ok, nil
}

// DetectContentType returns claimed when it names a specific type, and
// otherwise sniffs data.
func DetectContentType(claimed string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(claimed); err == nil {
		if mediaType != "application/octet-stream" && mediaType != "" {
			return claimed
		}
	}
	return mimetype.Detect(data).String()
}
