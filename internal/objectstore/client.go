// Package objectstore talks to the S3-compatible bucket that holds every
// uploaded picture. All backends implement Client.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eteran/lightbox/internal/sigv4"
)

// MaxKeysPerPage is the page size requested from the store when listing.
const MaxKeysPerPage = 1000

// ErrStoreOperation matches every failure reported by a store backend.
var ErrStoreOperation = errors.New("store operation failed")

// Client is the contract every object store backend fulfils.
type Client interface {
	// Put stores data under key. The object is then retrievable at
	// PublicURL(base, key).
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes key. A key that is already gone is reported as success.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns one page of keys under prefix. An empty
	// NextContinuationToken means there are no further pages.
	List(ctx context.Context, prefix string, continuationToken string) (Page, error)
}

// Page is one page of a listing.
type Page struct {
	Keys                  []string
	NextContinuationToken string
}

// StoreError describes a failed store call. StatusCode is zero when the
// request never produced a response.
type StoreError struct {
	Op         string
	Key        string
	StatusCode int
	Body       string
	Err        error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	b.WriteString(ErrStoreOperation.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreOperation
}

// isGone reports whether a delete status means the object no longer exists.
func isGone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

// ListAll follows continuation tokens until the store reports no further
// pages and returns every key under prefix. Pages are fetched one at a time
// since each token is only known once the previous page has arrived.
func ListAll(ctx context.Context, c Client, prefix string) ([]string, error) {
	var (
		keys   []string
		seen   = make(map[string]struct{})
		tokens = make(map[string]struct{})
		token  string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.List(ctx, prefix, token)
		if err != nil {
			return nil, err
		}

		for _, key := range page.Keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		if page.NextContinuationToken == "" {
			return keys, nil
		}
		if _, ok := tokens[page.NextContinuationToken]; ok {
			return nil, &StoreError{
				Op:  "list",
				Key: prefix,
				Err: fmt.Errorf("continuation token %q repeated", page.NextContinuationToken),
			}
		}
		tokens[page.NextContinuationToken] = struct{}{}
		token = page.NextContinuationToken
	}
}

// PublicURL joins the public base URL and a key. Each key segment is
// percent-encoded so characters such as '#', '?' and '%' stay in the path.
func PublicURL(baseURL string, key string) string {
	return strings.TrimRight(baseURL, "/") + "/" + sigv4.URIEncode(strings.TrimLeft(key, "/"), false)
}
