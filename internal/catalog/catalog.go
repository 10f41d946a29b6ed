// Package catalog reads the application database for the URLs of every
// stored picture an owner still references.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	ErrInvalidReference = errors.New("invalid catalog reference")
	ErrUnknownDriver    = errors.New("unknown catalog driver")

	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Source yields the URLs an owner's records reference.
type Source interface {
	KnownURLs(ctx context.Context, owner string) ([]string, error)
}

// Reference is one URL-bearing column and the column naming its owner.
type Reference struct {
	Table       string
	Column      string
	OwnerColumn string
}

func (r Reference) String() string {
	return r.Table + "." + r.Column + ":" + r.OwnerColumn
}

// ParseReferences parses "table.column:owner_column" entries separated by
// commas.
func ParseReferences(spec string) ([]Reference, error) {
	var refs []Reference
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		target, ownerCol, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w %q: want table.column:owner_column", ErrInvalidReference, part)
		}
		table, column, ok := strings.Cut(target, ".")
		if !ok {
			return nil, fmt.Errorf("%w %q: want table.column:owner_column", ErrInvalidReference, part)
		}

		ref := Reference{
			Table:       strings.TrimSpace(table),
			Column:      strings.TrimSpace(column),
			OwnerColumn: strings.TrimSpace(ownerCol),
		}
		for _, ident := range []string{ref.Table, ref.Column, ref.OwnerColumn} {
			if !identifierPattern.MatchString(ident) {
				return nil, fmt.Errorf("%w %q: bad identifier %q", ErrInvalidReference, part, ident)
			}
		}
		refs = append(refs, ref)
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no references configured", ErrInvalidReference)
	}
	return refs, nil
}

// Open opens a catalog database with one of the supported drivers.
func Open(driver string, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w %q (want %q or %q)", ErrUnknownDriver, driver, DriverSQLite, DriverPostgres)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s catalog: %w", driver, err)
	}
	return db, nil
}

// SQLSource queries every configured reference column.
type SQLSource struct {
	db     *sql.DB
	driver string
	refs   []Reference
}

func NewSQLSource(db *sql.DB, driver string, refs []Reference) *SQLSource {
	return &SQLSource{db: db, driver: driver, refs: refs}
}

func (s *SQLSource) placeholder() string {
	if s.driver == DriverPostgres {
		return "$1"
	}
	return "?"
}

func (s *SQLSource) query(ref Reference) string {
	// Identifiers are validated by ParseReferences.
	return fmt.Sprintf(
		`SELECT CAST(%s AS TEXT) FROM %s WHERE %s = %s AND %s IS NOT NULL`,
		ref.Column, ref.Table, ref.OwnerColumn, s.placeholder(), ref.Column,
	)
}

// KnownURLs returns every non-empty URL referenced by owner's rows. Array
// columns (JSON or Postgres array text) contribute each element.
func (s *SQLSource) KnownURLs(ctx context.Context, owner string) ([]string, error) {
	var urls []string
	for _, ref := range s.refs {
		values, err := s.columnValues(ctx, ref, owner)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			urls = append(urls, ExpandValue(v)...)
		}
	}

	slog.Debug("Loaded referenced URLs", "owner", owner, "references", len(s.refs), "urls", len(urls))
	return urls, nil
}

func (s *SQLSource) columnValues(ctx context.Context, ref Reference, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.query(ref), owner)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ref, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ref, err)
		}
		if v.Valid {
			values = append(values, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return values, nil
}

// ExpandValue turns one column value into the URLs it holds: a JSON array
// of strings, a Postgres array literal, or a single URL.
func ExpandValue(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(v, "["):
		var items []string
		if err := json.Unmarshal([]byte(v), &items); err == nil {
			return nonEmpty(items)
		}
	case strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}"):
		inner := v[1 : len(v)-1]
		if inner == "" {
			return nil
		}
		parts := strings.Split(inner, ",")
		for i, p := range parts {
			parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
		}
		return nonEmpty(parts)
	}
	return []string{v}
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
