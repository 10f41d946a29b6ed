// Package objectkey derives and inspects object keys of the form
//
//	{owner}/{folder}[/{subfolder}]/{unixMillis}-{suffix}.{ext}
//
// The first segment is always the owner namespace.
package objectkey

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	DefaultFolder    = "uploads"
	DefaultExtension = "bin"
	suffixLength     = 8
)

var (
	ErrEmptyOwner    = errors.New("owner must not be empty")
	ErrInvalidOwner  = errors.New("invalid owner")
	ErrInvalidFolder = errors.New("invalid folder")
	ErrNotStoreURL   = errors.New("url does not point into the store")
)

// Generator produces unique keys. Timestamps are forced strictly increasing
// within a Generator so two keys never share one, even within the same
// millisecond.
type Generator struct {
	mu     sync.Mutex
	last   int64
	now    func() time.Time
	suffix func() string
}

type GeneratorOption func(*Generator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// WithSuffix replaces the random suffix source.
func WithSuffix(suffix func() string) GeneratorOption {
	return func(g *Generator) {
		g.suffix = suffix
	}
}

func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		now:    time.Now,
		suffix: randomSuffix,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}

func (g *Generator) timestamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	return ts
}

// Next returns a new key for filename under owner and folder. folder may
// contain "/" to add subfolders; it defaults to DefaultFolder.
func (g *Generator) Next(owner string, folder string, filename string) (string, error) {
	owner = strings.TrimSpace(owner)
	if err := CheckOwner(owner); err != nil {
		return "", err
	}

	folderPath, err := CleanFolder(folder)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%d-%s.%s", g.timestamp(), g.suffix(), Extension(filename))
	return owner + "/" + folderPath + "/" + name, nil
}

// CleanFolder normalizes a folder path, defaulting to DefaultFolder. Each
// segment must be non-empty, not "." or "..", and free of control
// characters.
func CleanFolder(folder string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return DefaultFolder, nil
	}

	segments := strings.Split(folder, "/")
	for _, seg := range segments {
		if err := checkSegment(seg); err != nil {
			return "", fmt.Errorf("%w %q: %w", ErrInvalidFolder, folder, err)
		}
	}
	return strings.Join(segments, "/"), nil
}

// CheckOwner reports whether owner can stand as the first segment of a key:
// non-empty, a single path segment, and without surrounding whitespace.
func CheckOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return ErrEmptyOwner
	}
	if owner != strings.TrimSpace(owner) {
		return fmt.Errorf("%w %q: surrounding whitespace", ErrInvalidOwner, owner)
	}
	if err := checkSegment(owner); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidOwner, owner, err)
	}
	return nil
}

func checkSegment(seg string) error {
	switch seg {
	case "":
		return errors.New("empty path segment")
	case ".", "..":
		return fmt.Errorf("relative path segment %q", seg)
	}
	if strings.ContainsFunc(seg, unicode.IsControl) {
		return errors.New("control character in path segment")
	}
	if strings.Contains(seg, "/") {
		return errors.New("slash in path segment")
	}
	return nil
}

// Extension returns the lower-cased extension of filename without the dot,
// or DefaultExtension when there is none.
func Extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(path.Base(filename)), "."))
	if ext == "" || strings.ContainsFunc(ext, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		return DefaultExtension
	}
	return ext
}

// Owner returns the first segment of key.
func Owner(key string) string {
	owner, _, _ := strings.Cut(key, "/")
	return owner
}

// BelongsTo reports whether key lives inside owner's namespace.
func BelongsTo(key string, owner string) bool {
	if CheckOwner(owner) != nil {
		return false
	}
	first, rest, ok := strings.Cut(key, "/")
	if !ok || first != owner || rest == "" {
		return false
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// Prefix returns the listing prefix for owner and an optional scope folder.
func Prefix(owner string, scope string) (string, error) {
	owner = strings.TrimSpace(owner)
	if err := CheckOwner(owner); err != nil {
		return "", err
	}
	scope = strings.Trim(strings.TrimSpace(scope), "/")
	if scope == "" {
		return owner + "/", nil
	}
	folder, err := CleanFolder(scope)
	if err != nil {
		return "", err
	}
	return owner + "/" + folder + "/", nil
}

// FromURL maps a stored public URL back to its key: the decoded URL path
// without its leading slash. The host is not compared, so URLs written under
// an earlier public domain still map. When publicBaseURL carries a path of
// its own (a bucket served under a sub-path) and the URL's path starts with
// it, that path is stripped as well.
func FromURL(rawURL string, publicBaseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	p := u.Path
	if publicBaseURL != "" {
		base, err := url.Parse(publicBaseURL)
		if err != nil {
			return "", fmt.Errorf("parse public base url %q: %w", publicBaseURL, err)
		}
		if basePath := strings.TrimRight(base.Path, "/"); basePath != "" {
			if rest, ok := strings.CutPrefix(p, basePath+"/"); ok {
				p = rest
			}
		}
	}

	key := strings.TrimPrefix(p, "/")
	if key == "" {
		return "", fmt.Errorf("%w: %q has no path", ErrNotStoreURL, rawURL)
	}
	return key, nil
}
