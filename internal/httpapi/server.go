// Package httpapi exposes uploads, archive ingestion and reconciliation over
// HTTP. Every route except the health and metrics endpoints requires a
// bearer token; the caller's id is the only namespace they can touch.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eteran/lightbox/internal/auth"
	"github.com/eteran/lightbox/internal/ingest"
	"github.com/eteran/lightbox/internal/jobs"
	"github.com/eteran/lightbox/internal/middleware"
	"github.com/eteran/lightbox/internal/objectkey"
	"github.com/eteran/lightbox/internal/objectstore"
	"github.com/eteran/lightbox/internal/reconcile"
	"github.com/eteran/lightbox/internal/upload"
)

const (
	// multipartOverhead is allowed on top of the file limit for the rest of
	// a multipart body.
	multipartOverhead = 1 << 20

	// maxMemory is how much of a multipart form is kept in memory before
	// spilling to temporary files.
	maxMemory = 8 << 20
)

var (
	errBadRequest    = errors.New("bad request")
	errAdminRequired = errors.New("live reconciliation requires an administrator")
	errNotConfigured = errors.New("not configured")
)

type Uploader interface {
	Upload(ctx context.Context, owner string, folder string, file upload.File) (*upload.Result, error)
	Delete(ctx context.Context, owner string, key string) (bool, error)
}

type ArchiveIngester interface {
	Ingest(ctx context.Context, req ingest.Request, progress ingest.Progress) (*ingest.Summary, error)
}

type JobQueue interface {
	Submit(ctx context.Context, req ingest.Request) (*jobs.Job, error)
	Get(ctx context.Context, owner string, id string) (*jobs.Job, error)
}

type Reconciler interface {
	Run(ctx context.Context, opts reconcile.Options) (*reconcile.Report, error)
}

// Config wires the services behind the API. Reconciler may be nil when no
// catalog is configured; the reconcile routes then answer 503.
type Config struct {
	Auth       auth.AuthEngine
	Uploads    Uploader
	Archives   ArchiveIngester
	Jobs       JobQueue
	Reconciler Reconciler

	MaxUploadBytes  int64
	MaxArchiveBytes int64
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = upload.DefaultMaxBytes
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = 200 << 20
	}
	return &Server{cfg: cfg}
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := middleware.RequireAuthentication(s.cfg.Auth, func(w http.ResponseWriter, r *http.Request, err error) {
		if err != nil {
			slog.Debug("Rejected credentials", "path", r.URL.Path, "err", err)
		}
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
	})

	mux.Handle("POST /v1/uploads", authed(http.HandlerFunc(s.handleUpload)))
	mux.Handle("DELETE /v1/objects/{key...}", authed(http.HandlerFunc(s.handleDeleteObject)))
	mux.Handle("POST /v1/archives", authed(http.HandlerFunc(s.handleArchive)))
	mux.Handle("POST /v1/archive-jobs", authed(http.HandlerFunc(s.handleSubmitArchiveJob)))
	mux.Handle("GET /v1/archive-jobs/{id}", authed(http.HandlerFunc(s.handleGetArchiveJob)))
	mux.Handle("POST /v1/reconcile", authed(http.HandlerFunc(s.handleReconcile)))
	mux.Handle("GET /v1/reconcile/report", authed(http.HandlerFunc(s.handleReconcileReport)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux, middleware.LogRequest, middleware.Recoverer)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, upload.ErrUnauthorized),
		errors.Is(err, ingest.ErrUnauthorized),
		errors.Is(err, reconcile.ErrUnauthorized),
		errors.Is(err, objectkey.ErrEmptyOwner),
		errors.Is(err, objectkey.ErrInvalidOwner):
		return http.StatusUnauthorized
	case errors.Is(err, upload.ErrForbidden), errors.Is(err, errAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, upload.ErrNoFile),
		errors.Is(err, ingest.ErrNoFile),
		errors.Is(err, ingest.ErrNotArchive),
		errors.Is(err, objectkey.ErrInvalidFolder):
		return http.StatusBadRequest
	case errors.Is(err, objectstore.ErrStoreOperation):
		return http.StatusBadGateway
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and answers with its mapped status. Internal errors
// are not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	message := err.Error()
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		message = "internal error"
	case status == http.StatusBadGateway:
		slog.Error("Object store failure", "method", r.Method, "path", r.URL.Path, "err", err)
		message = "object store request failed"
	default:
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}

	writeJSONError(w, status, message)
}
