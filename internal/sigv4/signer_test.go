package sigv4_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/eteran/lightbox/internal/sigv4"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "lightboxadmin"
	SecretAccessKey = "lightboxsecret"
)

var signingTime = time.Date(2025, 1, 1, 12, 30, 45, 0, time.UTC)

func newSigner(t *testing.T) *sigv4.Signer {
	t.Helper()
	s, err := sigv4.NewSigner(sigv4.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey})
	require.NoError(t, err, "NewSigner error")
	return s
}

func baseRequest() sigv4.Request {
	return sigv4.Request{
		Method:       http.MethodPut,
		Host:         "account.r2.cloudflarestorage.com",
		CanonicalURI: sigv4.CanonicalURI("photos", "owner-1/portfolio/1700000000000-abcd1234.jpg"),
		Query:        nil,
		ContentType:  "image/jpeg",
		PayloadHash:  sigv4.PayloadHash([]byte("jpeg bytes")),
	}
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// referenceAuthorization is a minimal, independent rendition of the signing
// steps for a PUT with the fixed header set.
func referenceAuthorization(req sigv4.Request, now time.Time) string {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	canonicalReq := strings.Join([]string{
		req.Method,
		req.CanonicalURI,
		"",
		"content-type:" + req.ContentType,
		"host:" + req.Host,
		"x-amz-content-sha256:" + req.PayloadHash,
		"x-amz-date:" + amzDate,
		"",
		"content-type;host;x-amz-content-sha256;x-amz-date",
		req.PayloadHash,
	}, "\n")
	crHash := sha256.Sum256([]byte(canonicalReq))

	scope := strings.Join([]string{dateStamp, "auto", "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+SecretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, "auto")
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	sig := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return "AWS4-HMAC-SHA256 Credential=" + AccessKeyID + "/" + scope +
		", SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date" +
		", Signature=" + sig
}

// corrupt flips the final hex digit of an authorization header.
func corrupt(authorization string) string {
	last := authorization[len(authorization)-1]
	replacement := "0"
	if last == '0' {
		replacement = "1"
	}
	return authorization[:len(authorization)-1] + replacement
}

func TestSignMatchesReferenceImplementation(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	sig, err := newSigner(t).Sign(req, signingTime)
	require.NoError(t, err, "Sign error")

	require.Equal(t, referenceAuthorization(req, signingTime), sig.Authorization, "authorization header")
	require.Equal(t, "20250101T123045Z", sig.AmzDate, "x-amz-date")
	require.Equal(t, req.PayloadHash, sig.PayloadHash, "payload hash")
	require.Equal(t, "content-type;host;x-amz-content-sha256;x-amz-date", sig.SignedHeaders, "signed headers")
}

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	req := baseRequest()
	req.Query = url.Values{"prefix": {"owner-1/"}, "list-type": {"2"}}

	first, err := s.Sign(req, signingTime)
	require.NoError(t, err, "first Sign error")
	second, err := s.Sign(req, signingTime)
	require.NoError(t, err, "second Sign error")

	require.Equal(t, first, second, "signing twice at the same instant must be byte-identical")
}

func TestSignChangesWithEveryComponent(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	base, err := s.Sign(baseRequest(), signingTime)
	require.NoError(t, err, "base Sign error")

	tests := []struct {
		name   string
		mutate func(*sigv4.Request)
		at     time.Time
	}{
		{name: "method", mutate: func(r *sigv4.Request) { r.Method = http.MethodPost }},
		{name: "host", mutate: func(r *sigv4.Request) { r.Host = "other.r2.cloudflarestorage.com" }},
		{name: "path", mutate: func(r *sigv4.Request) { r.CanonicalURI = sigv4.CanonicalURI("photos", "owner-1/other.jpg") }},
		{name: "query", mutate: func(r *sigv4.Request) { r.Query = url.Values{"x": {"1"}} }},
		{name: "content type", mutate: func(r *sigv4.Request) { r.ContentType = "image/png" }},
		{name: "payload hash", mutate: func(r *sigv4.Request) { r.PayloadHash = sigv4.EmptyPayloadHash }},
		{name: "timestamp", mutate: func(r *sigv4.Request) {}, at: signingTime.Add(time.Second)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := baseRequest()
			tc.mutate(&req)
			at := signingTime
			if !tc.at.IsZero() {
				at = tc.at
			}

			sig, err := s.Sign(req, at)
			require.NoError(t, err, "Sign error")
			require.NotEqual(t, base.Authorization, sig.Authorization, "signature should change")
		})
	}
}

func TestSignDateAndScopeAgree(t *testing.T) {
	t.Parallel()

	// One nanosecond before midnight: both values must still come from the
	// same instant.
	at := time.Date(2025, 3, 9, 23, 59, 59, 999999999, time.UTC)
	sig, err := newSigner(t).Sign(baseRequest(), at)
	require.NoError(t, err, "Sign error")

	require.Equal(t, "20250309T235959Z", sig.AmzDate, "x-amz-date")
	require.Contains(t, sig.Authorization, "/20250309/auto/s3/aws4_request", "credential scope date")
}

func TestSignRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := sigv4.NewSigner(sigv4.Credentials{AccessKeyID: AccessKeyID})
	require.ErrorIs(t, err, sigv4.ErrMissingCredentials, "missing secret")

	s := newSigner(t)

	req := baseRequest()
	req.CanonicalURI = "photos/key"
	_, err = s.Sign(req, signingTime)
	require.ErrorIs(t, err, sigv4.ErrInvalidRequest, "relative canonical uri")

	req = baseRequest()
	req.Method = ""
	_, err = s.Sign(req, signingTime)
	require.ErrorIs(t, err, sigv4.ErrInvalidRequest, "empty method")
}

func TestCanonicalURIRoundTrip(t *testing.T) {
	t.Parallel()

	keys := []string{
		"owner-1/weddings/it's (final) copy!*.jpg",
		"owner-1/a b/c d.png",
		"owner-1/ünïcødé/фото.jpg",
		"owner-1/plain/1700000000000-abcd1234.webp",
	}

	for _, key := range keys {
		uri := sigv4.CanonicalURI("photos", key)
		require.NotContainsf(t, uri, " ", "space must be escaped in %q", uri)
		for _, c := range []string{"!", "'", "(", ")", "*"} {
			require.NotContainsf(t, uri, c, "%q must be escaped in %q", c, uri)
		}

		decoded, err := url.PathUnescape(uri)
		require.NoError(t, err, "PathUnescape error")
		require.Equal(t, "/photos/"+key, decoded, "decoded canonical uri")
	}

	require.Equal(t, "/photos/owner-1/it%27s%20%28final%29%21%2A.jpg", sigv4.CanonicalURI("photos", "owner-1/it's (final)!*.jpg"))
}

func TestCanonicalQuerySortsAndEncodes(t *testing.T) {
	t.Parallel()

	q := url.Values{
		"prefix":             {"owner 1/"},
		"list-type":          {"2"},
		"continuation-token": {"a+b/c="},
		"max-keys":           {"1000"},
	}

	require.Equal(t,
		"continuation-token=a%2Bb%2Fc%3D&list-type=2&max-keys=1000&prefix=owner%201%2F",
		sigv4.CanonicalQuery(q),
	)
	require.Empty(t, sigv4.CanonicalQuery(nil), "empty query")
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	v, err := sigv4.NewVerifier(sigv4.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey})
	require.NoError(t, err, "NewVerifier error")

	key := "owner-1/it's (final)!.jpg"
	body := []byte("jpeg bytes")

	req := sigv4.Request{
		Method:       http.MethodPut,
		Host:         "example.com",
		CanonicalURI: sigv4.CanonicalURI("photos", key),
		Query:        url.Values{"x-id": {"PutObject"}},
		ContentType:  "image/jpeg",
		PayloadHash:  sigv4.PayloadHash(body),
	}
	sig, err := s.Sign(req, time.Now())
	require.NoError(t, err, "Sign error")

	r := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "http://example.com"+req.CanonicalURI+"?"+sig.RawQuery, strings.NewReader(string(body)))
	r.Header.Set("Content-Type", req.ContentType)
	r.Header.Set(sigv4.HeaderAmzDate, sig.AmzDate)
	r.Header.Set(sigv4.HeaderContentSHA256, sig.PayloadHash)
	r.Header.Set(sigv4.HeaderAuthorization, sig.Authorization)

	accessKey, err := v.Verify(r)
	require.NoError(t, err, "Verify error")
	require.Equal(t, AccessKeyID, accessKey, "access key id")

	// Corrupt the signature.
	r.Header.Set(sigv4.HeaderAuthorization, corrupt(sig.Authorization))
	_, err = v.Verify(r)
	require.ErrorIs(t, err, sigv4.ErrSignatureMismatch, "corrupted signature")
}

func TestVerifyRejectsScopeDateMismatch(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	v, err := sigv4.NewVerifier(sigv4.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey})
	require.NoError(t, err, "NewVerifier error")

	req := sigv4.Request{
		Method:       http.MethodDelete,
		Host:         "example.com",
		CanonicalURI: sigv4.CanonicalURI("photos", "owner-1/a.jpg"),
	}
	sig, err := s.Sign(req, signingTime)
	require.NoError(t, err, "Sign error")

	r := httptest.NewRequestWithContext(t.Context(), http.MethodDelete, "http://example.com"+req.CanonicalURI, nil)
	r.Header.Set(sigv4.HeaderAmzDate, signingTime.Add(24*time.Hour).Format(sigv4.AmzDateFormat))
	r.Header.Set(sigv4.HeaderContentSHA256, sig.PayloadHash)
	r.Header.Set(sigv4.HeaderAuthorization, sig.Authorization)

	_, err = v.Verify(r)
	require.ErrorIs(t, err, sigv4.ErrSignatureMismatch, "x-amz-date from another day")

	r.Header.Set(sigv4.HeaderAuthorization, "Basic Zm9vOmJhcg==")
	_, err = v.Verify(r)
	require.ErrorIs(t, err, sigv4.ErrMissingAuthorization, "non sigv4 authorization")
}
