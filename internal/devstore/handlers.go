package devstore

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/lightbox/internal/middleware"
	"github.com/eteran/lightbox/internal/objectstore"
	"github.com/eteran/lightbox/internal/sigv4"
)

// Handler returns an http.Handler implementing the S3 subset:
//
//	HEAD   /{bucket}
//	GET    /{bucket}?list-type=2
//	PUT    /{bucket}/{key...}
//	GET    /{bucket}/{key...}
//	HEAD   /{bucket}/{key...}
//	DELETE /{bucket}/{key...}
func (s *Server) Handler() http.Handler {
	buckets := http.NewServeMux()

	buckets.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketHead(w, r, r.PathValue("bucket"))
	})
	buckets.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})

	objects := map[string]objectHandler{
		http.MethodPut:    s.handlePutObject,
		http.MethodGet:    s.handleGetObject,
		http.MethodHead:   s.handleGetObject,
		http.MethodDelete: s.handleDeleteObject,
	}

	// Object keys are stored exactly as signed, so object paths skip both
	// SlashFix and the mux's own path cleaning. Only bucket-level paths are
	// normalized.
	bucketLevel := middleware.SlashFix(buckets)
	route := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key, ok := objectPath(r.URL.Path)
		if !ok {
			bucketLevel.ServeHTTP(w, r)
			return
		}

		fn, ok := objects[r.Method]
		if !ok {
			w.Header().Set("Allow", "PUT, GET, HEAD, DELETE")
			writeS3Error(w, "MethodNotAllowed", "The specified method is not allowed against this resource.", r.URL.Path, http.StatusMethodNotAllowed)
			return
		}
		s.handleObject(w, r, bucket, key, fn)
	})

	// Signatures cover the path as sent, so they are checked before any
	// rewrite.
	return middleware.Chain(route,
		middleware.LogRequest,
		middleware.Recoverer,
		s.requireSignature,
	)
}

type objectHandler func(w http.ResponseWriter, r *http.Request, bucket string, key string)

// objectPath splits an object request path into bucket and key. Paths with
// nothing but slashes after the bucket are bucket-level.
func objectPath(p string) (string, string, bool) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if strings.Trim(key, "/") == "" {
		return "", "", false
	}
	return bucket, key, true
}

// requireSignature rejects requests whose SigV4 signature does not verify.
// With PublicRead, unsigned object reads are let through.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PublicRead && r.Header.Get(sigv4.HeaderAuthorization) == "" && isObjectRead(r) {
			next.ServeHTTP(w, r)
			return
		}

		if _, err := s.verifier.Verify(r); err != nil {
			slog.Warn("Rejected request signature", "method", r.Method, "path", r.URL.Path, "err", err)

			switch {
			case errors.Is(err, sigv4.ErrUnknownAccessKey):
				writeS3Error(w, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
			case errors.Is(err, sigv4.ErrSignatureMismatch):
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
			default:
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isObjectRead(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	_, _, ok := objectPath(r.URL.Path)
	return ok
}

// requireBucket writes NoSuchBucket and returns false for unknown buckets.
func (s *Server) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}

	exists, err := s.bucketExists(r.Context(), bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}
	if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return false
	}
	return true
}

// handleObject validates the bucket and key of an object request before
// dispatching it.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket string, key string, fn objectHandler) {
	if !s.requireBucket(w, r, bucket) {
		return
	}
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	fn(w, r, bucket, key)
}

func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(w, r, bucket) {
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(w, r, bucket) {
		return
	}

	if r.URL.Query().Get("list-type") != "2" {
		writeS3Error(w, "NotImplemented", "Only ListObjectsV2 is implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	s.handleListObjectsV2(w, r, bucket)
}

// readPayload reads the PUT body, decoding aws-chunked uploads, and checks
// it against the signed payload hash.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxObjectBytes)
	defer body.Close()

	claimed := r.Header.Get(sigv4.HeaderContentSHA256)

	var (
		data    []byte
		hashHex string
		err     error
	)

	if strings.EqualFold(claimed, streamingPayload) {
		decodedLen, parseErr := strconv.ParseInt(r.Header.Get("X-Amz-Decoded-Content-Length"), 10, 64)
		if parseErr != nil || decodedLen < 0 {
			writeS3Error(w, "InvalidRequest", "Missing or invalid X-Amz-Decoded-Content-Length", r.URL.Path, http.StatusBadRequest)
			return nil, "", false
		}

		var buf bytes.Buffer
		_, hashHex, err = decodeStreamingPayload(&buf, body, decodedLen)
		data = buf.Bytes()
	} else {
		data, err = io.ReadAll(body)
		if err == nil {
			sum := sha256.Sum256(data)
			hashHex = hex.EncodeToString(sum[:])
		}
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeS3Error(w, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.", r.URL.Path, http.StatusBadRequest)
			return nil, "", false
		}
		slog.Error("Read request body", "err", err)
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return nil, "", false
	}

	if !strings.EqualFold(claimed, streamingPayload) && claimed != unsignedPayload && claimed != "" && claimed != hashHex {
		writeS3Error(w, "XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed.", r.URL.Path, http.StatusBadRequest)
		return nil, "", false
	}

	if data == nil {
		data = []byte{}
	}
	return data, hashHex, true
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if r.Header.Get("x-amz-copy-source") != "" || r.URL.Query().Has("uploadId") {
		writeS3Error(w, "NotImplemented", "Copy and multipart uploads are not implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	data, hashHex, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(r.Context(),
		`INSERT INTO objects(bucket, key, hash, size, content_type, data, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	hash=excluded.hash,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	data=excluded.data,
		 	modified_at=excluded.modified_at`,
		bucket, key, hashHex, len(data), contentType, data, now, now,
	)
	if err != nil {
		slog.Error("Upsert object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleGetObject serves GET and HEAD; HEAD gets the headers only.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	var (
		hashHex     string
		size        int64
		contentType sql.NullString
		data        []byte
		modifiedAt  time.Time
	)

	err := s.db.QueryRowContext(r.Context(),
		`SELECT hash, size, content_type, data, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&hashHex, &size, &contentType, &data, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Lookup object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if contentType.Valid {
		w.Header().Set("Content-Type", contentType.String)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Last-Modified", modifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(hashHex))

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleDeleteObject answers 204 whether or not the key existed, as S3 does.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	_, err := s.db.ExecContext(r.Context(), `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		slog.Error("Delete object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&max-keys=&continuation-token=&start-after=].
// The continuation token is the last key of the previous page.
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}

	if q.Get("delimiter") != "" {
		writeS3Error(w, "NotImplemented", "Delimited listings are not implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	maxKeys := objectstore.MaxKeysPerPage
	if raw := q.Get("max-keys"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeS3Error(w, "InvalidArgument", "max-keys must be a positive integer", r.URL.Path, http.StatusBadRequest)
			return
		}
		maxKeys = min(v, objectstore.MaxKeysPerPage)
	}

	// LIKE is case-insensitive in SQLite and treats % and _ specially, so
	// prefixes are compared byte for byte instead.
	args := []any{bucket}
	query := `SELECT key, hash, size, modified_at FROM objects WHERE bucket = ?`
	if prefix != "" {
		query += ` AND substr(key, 1, length(?)) = ?`
		args = append(args, prefix, prefix)
	}
	if after := cmp.Or(continuationToken, startAfter); after != "" {
		query += ` AND key > ?`
		args = append(args, after)
	}
	query += ` ORDER BY key LIMIT ?`
	args = append(args, maxKeys+1)

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		slog.Error("List objects v2", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	summaries := []ObjectSummary{}
	isTruncated := false
	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			slog.Error("Scan object (v2)", "bucket", bucket, "err", err)
			writeInternalError(w, r)
			return
		}

		if len(summaries) == maxKeys {
			isTruncated = true
			break
		}

		summaries = append(summaries, ObjectSummary{
			Key:          key,
			LastModified: modifiedAt.UTC().Format(time.RFC3339),
			ETag:         createETag(hashHex),
			Size:         size,
			StorageClass: "STANDARD",
		})
	}
	if err := rows.Err(); err != nil {
		slog.Error("Iterate objects (v2)", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	nextContinuationToken := ""
	if isTruncated && len(summaries) > 0 {
		nextContinuationToken = summaries[len(summaries)-1].Key
	}

	resp := ListBucketResultV2{
		XMLNS:                 s3XMLNamespace,
		Name:                  bucket,
		Prefix:                prefix,
		KeyCount:              len(summaries),
		MaxKeys:               maxKeys,
		IsTruncated:           isTruncated,
		ContinuationToken:     continuationToken,
		NextContinuationToken: nextContinuationToken,
		StartAfter:            startAfter,
		Contents:              summaries,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}
