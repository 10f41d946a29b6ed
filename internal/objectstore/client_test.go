package objectstore_test

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/eteran/lightbox/internal/objectstore"
	"github.com/eteran/lightbox/internal/objectstore/objectstoretest"
	"github.com/eteran/lightbox/internal/sigv4"

	"github.com/stretchr/testify/require"
)

var testCreds = sigv4.Credentials{AccessKeyID: "lightboxadmin", SecretAccessKey: "lightboxsecret"}

// fakeBucket is a tiny S3 endpoint that checks signatures and serves one
// bucket from memory.
type fakeBucket struct {
	t        *testing.T
	verifier *sigv4.Verifier
	bucket   string
	pageSize int
	endpoint *url.URL

	mu         sync.Mutex
	objects    map[string][]byte
	deleteCode map[string]int
	putCode    int
	tokens     []string
	fixedToken string
}

func newFakeBucket(t *testing.T) (*fakeBucket, *objectstore.SignedClient) {
	t.Helper()

	v, err := sigv4.NewVerifier(testCreds)
	require.NoError(t, err, "NewVerifier error")

	fb := &fakeBucket{
		t:          t,
		verifier:   v,
		bucket:     "photos",
		pageSize:   objectstore.MaxKeysPerPage,
		objects:    make(map[string][]byte),
		deleteCode: make(map[string]int),
	}

	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	endpoint, err := url.Parse(srv.URL)
	require.NoError(t, err, "parse server URL")
	fb.endpoint = endpoint

	client, err := objectstore.NewSignedClient(endpoint, fb.bucket, testCreds, objectstore.WithHTTPClient(srv.Client()))
	require.NoError(t, err, "NewSignedClient error")

	return fb, client
}

func (fb *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := fb.verifier.Verify(r); err != nil {
		http.Error(w, "<Error><Code>SignatureDoesNotMatch</Code><Message>"+err.Error()+"</Message></Error>", http.StatusForbidden)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != fb.bucket {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch {
	case r.Method == http.MethodPut:
		if fb.putCode != 0 {
			w.WriteHeader(fb.putCode)
			_, _ = io.WriteString(w, "<Error><Code>InternalError</Code><Message>boom</Message></Error>")
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(fb.t, err, "read body")
		require.Equal(fb.t, sigv4.PayloadHash(body), r.Header.Get(sigv4.HeaderContentSHA256), "payload hash header")
		fb.objects[key] = body
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		if code, ok := fb.deleteCode[key]; ok {
			w.WriteHeader(code)
			return
		}
		if _, ok := fb.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(fb.objects, key)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && key == "":
		fb.list(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken,omitempty"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

func (fb *fakeBucket) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	require.Equal(fb.t, "2", q.Get("list-type"), "list-type")
	require.Equal(fb.t, "1000", q.Get("max-keys"), "max-keys")

	token := q.Get("continuation-token")
	fb.tokens = append(fb.tokens, token)

	var keys []string
	for k := range fb.objects {
		if strings.HasPrefix(k, q.Get("prefix")) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token != "" {
		start, _ = strconv.Atoi(strings.TrimPrefix(token, "t-"))
	}
	end := min(start+fb.pageSize, len(keys))

	var res listResult
	for _, k := range keys[start:end] {
		res.Contents = append(res.Contents, struct {
			Key string `xml:"Key"`
		}{Key: k})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.NextContinuationToken = "t-" + strconv.Itoa(end)
		if fb.fixedToken != "" {
			res.NextContinuationToken = fb.fixedToken
		}
	}

	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

func TestSignedClientPutStoresObject(t *testing.T) {
	t.Parallel()

	fb, client := newFakeBucket(t)

	key := "owner-1/weddings/it's (final) copy!*.jpg"
	err := client.Put(t.Context(), key, []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err, "Put error")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Equal(t, []byte("jpeg bytes"), fb.objects[key], "stored payload under the decoded key")
}

func TestSignedClientPutReportsStatusAndBody(t *testing.T) {
	t.Parallel()

	fb, client := newFakeBucket(t)
	fb.putCode = http.StatusInternalServerError

	err := client.Put(t.Context(), "owner-1/a.jpg", []byte("x"), "image/jpeg")
	require.ErrorIs(t, err, objectstore.ErrStoreOperation, "Put failure must be a store error")

	var storeErr *objectstore.StoreError
	require.True(t, errors.As(err, &storeErr), "error should be a *StoreError")
	require.Equal(t, http.StatusInternalServerError, storeErr.StatusCode, "status code")
	require.Contains(t, storeErr.Body, "InternalError", "response body")
}

func TestSignedClientRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	fb, _ := newFakeBucket(t)

	bad, err := objectstore.NewSignedClient(fb.endpoint, "photos", sigv4.Credentials{AccessKeyID: testCreds.AccessKeyID, SecretAccessKey: "wrong"})
	require.NoError(t, err, "NewSignedClient error")

	err = bad.Put(t.Context(), "owner-1/a.jpg", []byte("x"), "image/jpeg")
	var storeErr *objectstore.StoreError
	require.True(t, errors.As(err, &storeErr), "error should be a *StoreError")
	require.Equal(t, http.StatusForbidden, storeErr.StatusCode, "status code")
	require.Contains(t, storeErr.Body, "SignatureDoesNotMatch", "error code from body")
}

func TestSignedClientDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	fb, client := newFakeBucket(t)
	require.NoError(t, client.Put(t.Context(), "owner-1/a.jpg", []byte("x"), "image/jpeg"), "Put error")

	ok, err := client.Delete(t.Context(), "owner-1/a.jpg")
	require.NoError(t, err, "first Delete error")
	require.True(t, ok, "first Delete")

	ok, err = client.Delete(t.Context(), "owner-1/a.jpg")
	require.NoError(t, err, "second Delete of a missing key")
	require.True(t, ok, "second Delete")

	fb.mu.Lock()
	fb.deleteCode["owner-1/gone.jpg"] = http.StatusGone
	fb.deleteCode["owner-1/broken.jpg"] = http.StatusInternalServerError
	fb.mu.Unlock()

	ok, err = client.Delete(t.Context(), "owner-1/gone.jpg")
	require.NoError(t, err, "410 is success")
	require.True(t, ok, "410 Delete")

	ok, err = client.Delete(t.Context(), "owner-1/broken.jpg")
	require.ErrorIs(t, err, objectstore.ErrStoreOperation, "500 is a store failure")
	require.False(t, ok, "500 Delete")
}

func TestSignedClientListAllFollowsContinuationTokens(t *testing.T) {
	t.Parallel()

	fb, client := newFakeBucket(t)

	want := make([]string, 0, 2500)
	fb.mu.Lock()
	for i := range 2500 {
		key := fmt.Sprintf("owner-1/portfolio/%05d.jpg", i)
		fb.objects[key] = nil
		want = append(want, key)
	}
	fb.objects["owner-2/other.jpg"] = nil
	fb.mu.Unlock()

	keys, err := objectstore.ListAll(t.Context(), client, "owner-1/")
	require.NoError(t, err, "ListAll error")
	require.Len(t, keys, 2500, "every key across pages")
	require.ElementsMatch(t, want, keys, "listed keys")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Equal(t, []string{"", "t-1000", "t-2000"}, fb.tokens, "one request per page, in order")
}

func TestSignedClientListAllRejectsRepeatedToken(t *testing.T) {
	t.Parallel()

	fb, client := newFakeBucket(t)
	fb.mu.Lock()
	fb.pageSize = 1
	fb.fixedToken = "same"
	fb.objects["owner-1/a.jpg"] = nil
	fb.objects["owner-1/b.jpg"] = nil
	fb.objects["owner-1/c.jpg"] = nil
	fb.mu.Unlock()

	_, err := objectstore.ListAll(t.Context(), client, "owner-1/")
	require.ErrorIs(t, err, objectstore.ErrStoreOperation, "repeated token must fail")
	require.Contains(t, err.Error(), "repeated", "error message")
}

func TestListAllStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	store := objectstoretest.NewMemoryStore()
	store.Seed("owner-1/a.jpg")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := objectstore.ListAll(ctx, store, "owner-1/")
	require.ErrorIs(t, err, context.Canceled, "cancelled listing")
}

func TestListAllDeduplicatesKeys(t *testing.T) {
	t.Parallel()

	store := objectstoretest.NewMemoryStore()
	store.SetPageSize(2)
	store.Seed("owner-1/a.jpg", "owner-1/b.jpg", "owner-1/c.jpg", "owner-1/d.jpg", "owner-1/e.jpg")

	keys, err := objectstore.ListAll(t.Context(), store, "owner-1/")
	require.NoError(t, err, "ListAll error")
	require.Equal(t, []string{"owner-1/a.jpg", "owner-1/b.jpg", "owner-1/c.jpg", "owner-1/d.jpg", "owner-1/e.jpg"}, keys, "keys in listing order")
}

func TestPublicURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://cdn.example.com/owner-1/a.jpg", objectstore.PublicURL("https://cdn.example.com/", "owner-1/a.jpg"))
	require.Equal(t, "http://localhost:9000/photos/owner-1/a.jpg", objectstore.PublicURL("http://localhost:9000/photos", "/owner-1/a.jpg"))
	require.Equal(t, "https://cdn.example.com/owner-1/wedding%20%231/100%25/a.jpg", objectstore.PublicURL("https://cdn.example.com", "owner-1/wedding #1/100%/a.jpg"), "reserved characters escaped per segment")
}
