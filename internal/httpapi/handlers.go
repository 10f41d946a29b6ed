package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/eteran/lightbox/internal/auth"
	"github.com/eteran/lightbox/internal/ingest"
	"github.com/eteran/lightbox/internal/reconcile"
	"github.com/eteran/lightbox/internal/ui"
	"github.com/eteran/lightbox/internal/upload"
)

// formFile parses a multipart body of at most limit file bytes and returns
// its "file" part.
func formFile(w http.ResponseWriter, r *http.Request, limit int64) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, upload.ErrNoFile
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return file, header, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	file, header, err := formFile(w, r, s.cfg.MaxUploadBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer file.Close()

	result, err := s.cfg.Uploads.Upload(r.Context(), user.ID, r.FormValue("folder"), upload.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	ok, err := s.cfg.Uploads.Delete(r.Context(), user.ID, r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

// archiveRequest reads the uploaded archive into an ingestion request for
// the caller.
func (s *Server) archiveRequest(w http.ResponseWriter, r *http.Request) (ingest.Request, error) {
	user := auth.UserFromContext(r.Context())

	file, header, err := formFile(w, r, s.cfg.MaxArchiveBytes)
	if err != nil {
		if errors.Is(err, upload.ErrNoFile) {
			err = ingest.ErrNoFile
		}
		return ingest.Request{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxArchiveBytes+1))
	if err != nil {
		return ingest.Request{}, fmt.Errorf("read archive: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxArchiveBytes {
		return ingest.Request{}, fmt.Errorf("%w: limit is %d bytes", upload.ErrTooLarge, s.cfg.MaxArchiveBytes)
	}

	req := ingest.Request{
		Owner:       user.ID,
		Folder:      r.FormValue("folder"),
		SubID:       r.FormValue("sub_id"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return req, ingest.Validate(req)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	req, err := s.archiveRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := s.cfg.Archives.Ingest(r.Context(), req, nil)
	if err != nil && summary == nil {
		writeError(w, r, err)
		return
	}

	// A cancelled run still reports what it uploaded.
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSubmitArchiveJob(w http.ResponseWriter, r *http.Request) {
	req, err := s.archiveRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.cfg.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/archive-jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetArchiveJob(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	job, err := s.cfg.Jobs.Get(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// reconcileOptions reads scope and dry_run from the query. Runs are dry by
// default and only ever cover the caller's own namespace.
func reconcileOptions(r *http.Request) (reconcile.Options, error) {
	user := auth.UserFromContext(r.Context())

	opts := reconcile.Options{
		Owner:  user.ID,
		Scope:  r.URL.Query().Get("scope"),
		DryRun: true,
	}

	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: dry_run must be a boolean", errBadRequest)
		}
		opts.DryRun = v
	}

	if !opts.DryRun && !user.IsAdmin() {
		return opts, errAdminRequired
	}
	return opts, nil
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reconciler == nil {
		writeError(w, r, fmt.Errorf("reconciliation %w", errNotConfigured))
		return
	}

	opts, err := reconcileOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := s.cfg.Reconciler.Run(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcileReport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reconciler == nil {
		writeError(w, r, fmt.Errorf("reconciliation %w", errNotConfigured))
		return
	}

	user := auth.UserFromContext(r.Context())
	report, err := s.cfg.Reconciler.Run(r.Context(), reconcile.Options{
		Owner:  user.ID,
		Scope:  r.URL.Query().Get("scope"),
		DryRun: true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	var page bytes.Buffer
	if err := ui.ReportPage(user.ID, report).Render(r.Context(), &page); err != nil {
		writeError(w, r, fmt.Errorf("render report: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = page.WriteTo(w)
}
