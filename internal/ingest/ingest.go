// Package ingest extracts image entries from a zip archive and uploads them
// in bounded concurrent batches.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/eteran/lightbox/internal/metrics"
	"github.com/eteran/lightbox/internal/objectkey"
	"github.com/eteran/lightbox/internal/objectstore"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize     = 10
	DefaultMaxEntryBytes = 50 << 20
	MaxReportedErrors    = 10

	// ReasonCancelled is reported for entries never dispatched because the
	// run was cancelled.
	ReasonCancelled = "cancelled before upload"
)

var (
	ErrNotArchive   = errors.New("file is not a zip archive")
	ErrNoFile       = errors.New("no archive provided")
	ErrUnauthorized = errors.New("owner identity required")
)

// imageTypes maps supported extensions to the content type they are stored
// with.
var imageTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
}

var archiveTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip":            true,
	"application/x-zip-compressed": true,
	"multipart/x-zip":              true,
}

// Request is one archive to ingest. SubID adds an optional grouping level
// below Folder, e.g. a gallery id.
type Request struct {
	Owner       string
	Folder      string
	SubID       string
	Filename    string
	ContentType string
	Data        []byte
}

type UploadedFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type FileError struct {
	Filename string `json:"filename"`
	Reason   string `json:"error"`
}

// Summary reports the outcome of one ingestion run. Errors holds at most
// MaxReportedErrors entries; ErrorCount counts all of them. Success is false
// only when the run was cut short by cancellation.
type Summary struct {
	Success      bool           `json:"success"`
	Uploaded     []UploadedFile `json:"uploaded"`
	TotalFiles   int            `json:"totalFiles"`
	SuccessCount int            `json:"successCount"`
	ErrorCount   int            `json:"errorCount"`
	Errors       []FileError    `json:"errors"`
}

func (s *Summary) addError(filename string, reason string) {
	s.ErrorCount++
	if len(s.Errors) < MaxReportedErrors {
		s.Errors = append(s.Errors, FileError{Filename: filename, Reason: reason})
	}
}

// Progress is called after every batch with the number of entries handled
// so far and the total.
type Progress func(done int, total int)

type Service struct {
	store         objectstore.Client
	keys          *objectkey.Generator
	publicBaseURL string
	batchSize     int
	maxEntryBytes int64
}

type Option func(*Service)

// WithBatchSize sets how many entries are uploaded concurrently.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxEntryBytes limits the uncompressed size of a single entry.
func WithMaxEntryBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxEntryBytes = n
		}
	}
}

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
		batchSize:     DefaultBatchSize,
		maxEntryBytes: DefaultMaxEntryBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LooksLikeArchive reports whether the name or declared content type claim
// a zip archive.
func LooksLikeArchive(filename string, contentType string) bool {
	if strings.EqualFold(path.Ext(filename), ".zip") {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && archiveTypes[strings.ToLower(mediaType)]
}

// isZip confirms data is a zip container by sniffing.
func isZip(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// Supported reports whether an archive entry is an image worth uploading.
// Directories, macOS metadata, dotfiles and other extensions are skipped.
func Supported(name string) bool {
	if name == "" || strings.HasSuffix(name, "/") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "__MACOSX" {
			return false
		}
	}
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := imageTypes[objectkey.Extension(base)]
	return ok
}

// ContentType returns the stored content type for an image file name.
func ContentType(name string) string {
	if ct, ok := imageTypes[objectkey.Extension(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// folder joins Folder and SubID.
func (req Request) folder() string {
	folder := req.Folder
	if sub := strings.Trim(strings.TrimSpace(req.SubID), "/"); sub != "" {
		if folder == "" {
			folder = objectkey.DefaultFolder
		}
		folder = strings.TrimRight(folder, "/") + "/" + sub
	}
	return folder
}

// Validate checks what can be checked without reading the archive, so a
// caller can reject a request before queuing it.
func Validate(req Request) error {
	if strings.TrimSpace(req.Owner) == "" {
		return ErrUnauthorized
	}
	if len(req.Data) == 0 {
		return ErrNoFile
	}
	if !LooksLikeArchive(req.Filename, req.ContentType) || !isZip(req.Data) {
		return ErrNotArchive
	}
	if _, err := objectkey.CleanFolder(req.folder()); err != nil {
		return err
	}
	return nil
}

// Ingest uploads every supported entry of the archive. Per-entry failures
// are recorded in the summary and never abort the run. When ctx is
// cancelled no further entries are dispatched, those already in flight
// finish, and the partial summary is returned together with ctx.Err().
func (s *Service) Ingest(ctx context.Context, req Request, progress Progress) (*Summary, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotArchive, err)
	}

	folder := req.folder()

	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !Supported(f.Name) {
			metrics.IngestFilesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		entries = append(entries, f)
	}

	log := slog.With("owner", req.Owner, "archive", req.Filename)
	log.Info("Ingesting archive", "entries", len(zr.File), "images", len(entries), "batch_size", s.batchSize)

	summary := &Summary{
		Uploaded:   []UploadedFile{},
		Errors:     []FileError{},
		TotalFiles: len(entries),
	}

	var cancelErr error
	for start := 0; start < len(entries); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			for _, f := range entries[start:] {
				summary.addError(path.Base(f.Name), ReasonCancelled)
				metrics.IngestFilesTotal.WithLabelValues("cancelled").Inc()
			}
			break
		}

		end := min(start+s.batchSize, len(entries))
		if skipped := s.runBatch(ctx, req.Owner, folder, entries[start:end], summary); skipped > 0 {
			cancelErr = ctx.Err()
		}

		if progress != nil {
			progress(end, len(entries))
		}
	}

	summary.Success = cancelErr == nil
	log.Info("Archive ingestion finished",
		"total", summary.TotalFiles,
		"uploaded", summary.SuccessCount,
		"failed", summary.ErrorCount,
		"cancelled", cancelErr != nil,
	)

	return summary, cancelErr
}

type entryResult struct {
	file   UploadedFile
	name   string
	reason string
}

// runBatch uploads one batch concurrently and waits for all of it. Entries
// not yet started when ctx is cancelled are reported instead of uploaded;
// started Puts run on a context that ignores cancellation. It returns the
// number of entries skipped that way.
func (s *Service) runBatch(ctx context.Context, owner string, folder string, batch []*zip.File, summary *Summary) int {
	results := make([]entryResult, len(batch))
	putCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, f := range batch {
		name := path.Base(f.Name)
		if ctx.Err() != nil {
			results[i] = entryResult{name: name, reason: ReasonCancelled}
			continue
		}
		g.Go(func() error {
			file, err := s.uploadEntry(putCtx, owner, folder, f)
			if err != nil {
				results[i] = entryResult{name: name, reason: err.Error()}
				return nil
			}
			results[i] = entryResult{file: file, name: name}
			return nil
		})
	}
	_ = g.Wait()

	skipped := 0
	for _, r := range results {
		switch {
		case r.reason == ReasonCancelled:
			skipped++
			summary.addError(r.name, r.reason)
			metrics.IngestFilesTotal.WithLabelValues("cancelled").Inc()
		case r.reason != "":
			summary.addError(r.name, r.reason)
			metrics.IngestFilesTotal.WithLabelValues("failed").Inc()
		default:
			summary.Uploaded = append(summary.Uploaded, r.file)
			summary.SuccessCount++
			metrics.IngestFilesTotal.WithLabelValues("uploaded").Inc()
			metrics.UploadBytesTotal.Add(float64(r.file.Size))
		}
	}
	return skipped
}

func (s *Service) uploadEntry(ctx context.Context, owner string, folder string, f *zip.File) (UploadedFile, error) {
	name := path.Base(f.Name)
	if f.UncompressedSize64 > uint64(s.maxEntryBytes) {
		return UploadedFile{}, fmt.Errorf("entry exceeds %d bytes", s.maxEntryBytes)
	}

	rc, err := f.Open()
	if err != nil {
		return UploadedFile{}, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.maxEntryBytes+1))
	if err != nil {
		return UploadedFile{}, fmt.Errorf("extract entry: %w", err)
	}
	if int64(len(data)) > s.maxEntryBytes {
		return UploadedFile{}, fmt.Errorf("entry exceeds %d bytes", s.maxEntryBytes)
	}

	key, err := s.keys.Next(owner, folder, name)
	if err != nil {
		return UploadedFile{}, err
	}

	contentType := ContentType(name)
	if err := s.store.Put(ctx, key, data, contentType); err != nil {
		slog.Warn("Archive entry upload failed", "owner", owner, "entry", f.Name, "key", key, "err", err)
		return UploadedFile{}, err
	}

	return UploadedFile{
		Filename:    name,
		URL:         objectstore.PublicURL(s.publicBaseURL, key),
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}
