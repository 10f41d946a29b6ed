// Package devstore is a small S3-compatible object store for local
// development and integration tests. Objects live in a single SQLite file.
package devstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/lightbox/internal/sigv4"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultMaxObjectBytes bounds a single PUT body.
	DefaultMaxObjectBytes = 100 << 20

	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	unsignedPayload  = "UNSIGNED-PAYLOAD"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)
)

type Config struct {
	// DBPath is the SQLite file holding buckets and object payloads.
	DBPath string

	// Buckets are created at startup. Requests for any other bucket fail
	// with NoSuchBucket.
	Buckets []string

	Credentials sigv4.Credentials

	// PublicRead serves unsigned GET and HEAD object requests, the way a
	// public bucket domain does.
	PublicRead bool

	MaxObjectBytes int64
}

// Server provides the subset of the S3 API the object store client uses.
type Server struct {
	cfg      Config
	db       *sql.DB
	verifier *sigv4.Verifier
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer opens the database, applies the schema and creates the
// configured buckets.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DBPath == "" {
		return nil, errors.New("DBPath must not be empty")
	}

	if len(cfg.Buckets) == 0 {
		return nil, errors.New("at least one bucket is required")
	}

	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = DefaultMaxObjectBytes
	}

	for _, b := range cfg.Buckets {
		if !isValidBucketName(b) {
			return nil, fmt.Errorf("invalid bucket name %q", b)
		}
	}

	verifier, err := sigv4.NewVerifier(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, db: db, verifier: verifier}
	for _, b := range cfg.Buckets {
		if _, err := s.ensureBucket(ctx, b); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bucket %q: %w", b, err)
		}
	}

	return s, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// bucketExists checks whether a bucket with the given name exists.
func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// ensureBucket makes sure the given bucket exists, creating it if necessary.
// It returns true if the bucket was created, false if it already existed.
func (s *Server) ensureBucket(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	return rows > 0, err
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}

	if !bucketNamePattern.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// decodeStreamingPayload decodes an aws-chunked body into w and returns the
// decoded length and its SHA-256. Chunk signatures are not checked; the
// seed signature on the request headers already was.
func decodeStreamingPayload(w io.Writer, body io.Reader, decodedLen int64) (int64, string, error) {
	br := bufio.NewReader(body)

	h := sha256.New()
	out := io.MultiWriter(w, h)
	var written int64

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, "", errors.New("unexpected EOF while reading chunk header")
			}
			return 0, "", fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, "", fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}
		if size < 0 {
			return 0, "", fmt.Errorf("negative chunk size %q", sizeHex)
		}

		if size == 0 {
			_, _ = br.ReadString('\n')
			break
		}

		if _, err := io.CopyN(out, br, size); err != nil {
			return 0, "", fmt.Errorf("read chunk body: %w", err)
		}
		written += size

		var crlf [2]byte
		if _, err := io.ReadFull(br, crlf[:]); err != nil {
			return 0, "", fmt.Errorf("read chunk terminator: %w", err)
		}
		if crlf != [2]byte{'\r', '\n'} {
			return 0, "", fmt.Errorf("expected CRLF after chunk, got %q", crlf[:])
		}
	}

	if decodedLen >= 0 && written != decodedLen {
		return 0, "", fmt.Errorf("decoded %d bytes, expected %d", written, decodedLen)
	}

	return written, hex.EncodeToString(h.Sum(nil)), nil
}
