package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/lightbox/internal/metrics"
	"github.com/eteran/lightbox/internal/sigv4"
)

// maxErrorBody caps how much of a failed response body is kept in a
// StoreError.
const maxErrorBody = 4 << 10

// SignedClient is a Client that signs every request itself with SigV4 and
// sends it over net/http, using path-style addressing:
//
//	PUT    /{bucket}/{key}
//	DELETE /{bucket}/{key}
//	GET    /{bucket}/?list-type=2&prefix=...&continuation-token=...&max-keys=1000
type SignedClient struct {
	endpoint   *url.URL
	bucket     string
	signer     *sigv4.Signer
	httpClient *http.Client
	now        func() time.Time
	maxKeys    int
}

type SignedClientOption func(*SignedClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SignedClientOption {
	return func(s *SignedClient) {
		s.httpClient = c
	}
}

// WithClock replaces the time source used for request timestamps.
func WithClock(now func() time.Time) SignedClientOption {
	return func(s *SignedClient) {
		s.now = now
	}
}

// WithMaxKeys sets the page size requested by List.
func WithMaxKeys(n int) SignedClientOption {
	return func(s *SignedClient) {
		if n > 0 && n <= MaxKeysPerPage {
			s.maxKeys = n
		}
	}
}

// NewSignedClient creates a client for bucket at endpoint.
func NewSignedClient(endpoint *url.URL, bucket string, creds sigv4.Credentials, opts ...SignedClientOption) (*SignedClient, error) {
	if endpoint == nil || endpoint.Host == "" {
		return nil, fmt.Errorf("store endpoint must not be empty")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	signer, err := sigv4.NewSigner(creds)
	if err != nil {
		return nil, err
	}

	c := &SignedClient{
		endpoint:   endpoint,
		bucket:     bucket,
		signer:     signer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		maxKeys:    MaxKeysPerPage,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newRequest builds and signs a request. Signing failures are configuration
// errors and are returned before anything is sent.
func (c *SignedClient) newRequest(ctx context.Context, method string, key string, query url.Values, body []byte, contentType string) (*http.Request, error) {
	canonicalURI := sigv4.CanonicalURI(c.bucket, key)

	payloadHash := sigv4.EmptyPayloadHash
	if body != nil {
		payloadHash = sigv4.PayloadHash(body)
	}

	sig, err := c.signer.Sign(sigv4.Request{
		Method:       method,
		Host:         c.endpoint.Host,
		CanonicalURI: canonicalURI,
		Query:        query,
		ContentType:  contentType,
		PayloadHash:  payloadHash,
	}, c.now())
	if err != nil {
		return nil, err
	}

	decodedPath, err := url.PathUnescape(canonicalURI)
	if err != nil {
		return nil, fmt.Errorf("decode canonical uri: %w", err)
	}

	u := &url.URL{
		Scheme:   c.endpoint.Scheme,
		Host:     c.endpoint.Host,
		Path:     decodedPath,
		RawPath:  canonicalURI,
		RawQuery: sig.RawQuery,
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}

	if contentType != "" {
		req.Header.Set(sigv4.HeaderContentType, contentType)
	}
	req.Header.Set(sigv4.HeaderAmzDate, sig.AmzDate)
	req.Header.Set(sigv4.HeaderContentSHA256, sig.PayloadHash)
	req.Header.Set(sigv4.HeaderAuthorization, sig.Authorization)
	return req, nil
}

// do sends req and returns the status and body. Transport failures come
// back as a StoreError without a status code.
func (c *SignedClient) do(op string, key string, req *http.Request) (int, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues(op, "transport_error").Inc()
		return 0, nil, &StoreError{Op: op, Key: key, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues(op, "transport_error").Inc()
		return resp.StatusCode, nil, &StoreError{Op: op, Key: key, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	metrics.StoreOperationsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return resp.StatusCode, body, nil
}

func statusError(op string, key string, status int, body []byte) *StoreError {
	msg := string(body)
	var s3Err s3Error
	if xml.Unmarshal(body, &s3Err) == nil && s3Err.Code != "" {
		msg = s3Err.Code + ": " + s3Err.Message
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &StoreError{Op: op, Key: key, StatusCode: status, Body: strings.TrimSpace(msg)}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// Put uploads data under key.
func (c *SignedClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("put: empty key")
	}
	if data == nil {
		data = []byte{}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := c.newRequest(ctx, http.MethodPut, key, nil, data, contentType)
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))

	status, body, err := c.do("put", key, req)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return statusError("put", key, status, body)
	}

	slog.Debug("Stored object", "bucket", c.bucket, "key", key, "size", len(data))
	return nil
}

// Delete removes key; 404 and 410 count as success.
func (c *SignedClient) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("delete: empty key")
	}

	req, err := c.newRequest(ctx, http.MethodDelete, key, nil, nil, "")
	if err != nil {
		return false, err
	}

	status, body, err := c.do("delete", key, req)
	if err != nil {
		return false, err
	}
	if isGone(status) {
		slog.Debug("Object already absent", "bucket", c.bucket, "key", key, "status", status)
		return true, nil
	}
	if !isSuccess(status) {
		return false, statusError("delete", key, status, body)
	}
	return true, nil
}

// List returns one page of keys under prefix.
func (c *SignedClient) List(ctx context.Context, prefix string, continuationToken string) (Page, error) {
	query := url.Values{
		"list-type": {"2"},
		"max-keys":  {strconv.Itoa(c.maxKeys)},
	}
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if continuationToken != "" {
		query.Set("continuation-token", continuationToken)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "", query, nil, "")
	if err != nil {
		return Page{}, err
	}

	status, body, err := c.do("list", prefix, req)
	if err != nil {
		return Page{}, err
	}
	if !isSuccess(status) {
		return Page{}, statusError("list", prefix, status, body)
	}

	var result listBucketResultV2
	if err := xml.Unmarshal(body, &result); err != nil {
		return Page{}, &StoreError{Op: "list", Key: prefix, StatusCode: status, Err: fmt.Errorf("decode listing: %w", err)}
	}

	page := Page{Keys: make([]string, 0, len(result.Contents))}
	for _, obj := range result.Contents {
		page.Keys = append(page.Keys, obj.Key)
	}

	if result.IsTruncated {
		if result.NextContinuationToken == "" {
			return Page{}, &StoreError{Op: "list", Key: prefix, StatusCode: status, Err: fmt.Errorf("truncated listing without continuation token")}
		}
		page.NextContinuationToken = result.NextContinuationToken
	}

	return page, nil
}
