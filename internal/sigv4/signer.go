package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm = "AWS4-HMAC-SHA256"

	// Region and Service are fixed by R2's convention.
	Region  = "auto"
	Service = "s3"

	terminator = "aws4_request"

	AmzDateFormat   = "20060102T150405Z"
	DateStampFormat = "20060102"

	// EmptyPayloadHash is the SHA-256 of an empty body, used for DELETE and
	// LIST requests.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	HeaderAuthorization = "Authorization"
	HeaderAmzDate       = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderContentType   = "Content-Type"
)

var (
	ErrMissingCredentials = errors.New("sigv4: access key id and secret access key are required")
	ErrInvalidRequest     = errors.New("sigv4: invalid request")
)

// Credentials are the static key pair used to sign requests.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Request describes everything that goes into a signature. CanonicalURI must
// already be encoded (see CanonicalURI); Query is encoded by the signer.
type Request struct {
	Method       string
	Host         string
	CanonicalURI string
	Query        url.Values
	ContentType  string
	PayloadHash  string
}

// Signature is the output of Sign. The caller must send AmzDate and
// PayloadHash in the X-Amz-Date and X-Amz-Content-Sha256 headers exactly as
// returned, alongside Authorization.
type Signature struct {
	Authorization string
	AmzDate       string
	PayloadHash   string
	SignedHeaders string
	RawQuery      string
}

// Signer computes SigV4 authorization headers. It is safe for concurrent use
// and performs no I/O.
type Signer struct {
	creds   Credentials
	region  string
	service string
}

type SignerOption func(*Signer)

// WithScope overrides the region and service of the credential scope. R2
// always uses "auto" and "s3"; other S3-compatible stores may not.
func WithScope(region string, service string) SignerOption {
	return func(s *Signer) {
		s.region = region
		s.service = service
	}
}

// NewSigner returns a Signer for the given credentials.
func NewSigner(creds Credentials, opts ...SignerOption) (*Signer, error) {
	if strings.TrimSpace(creds.AccessKeyID) == "" || strings.TrimSpace(creds.SecretAccessKey) == "" {
		return nil, ErrMissingCredentials
	}

	s := &Signer{
		creds:   creds,
		region:  Region,
		service: Service,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PayloadHash returns the lower-case hex SHA-256 of data.
func PayloadHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the per-day signing key.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, terminator)
}

// CredentialScope returns "{date}/{region}/{service}/aws4_request".
func CredentialScope(dateStamp string, region string, service string) string {
	return strings.Join([]string{dateStamp, region, service, terminator}, "/")
}

// StringToSign builds the second signing step from a canonical request.
func StringToSign(amzDate string, scope string, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))

	var b strings.Builder
	b.WriteString(Algorithm)
	b.WriteString("\n")
	b.WriteString(amzDate)
	b.WriteString("\n")
	b.WriteString(scope)
	b.WriteString("\n")
	b.WriteString(hex.EncodeToString(crHash[:]))
	return b.String()
}

// BuildCanonicalRequest joins the canonical request parts. headers maps
// lower-case header names to their values; the signed header list is the
// sorted set of its keys.
func BuildCanonicalRequest(method string, canonicalURI string, canonicalQuery string, headers map[string]string, payloadHash string) (string, string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var hdrBuilder strings.Builder
	for _, name := range names {
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(canonicalHeaderValue(headers[name]))
		hdrBuilder.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQuery)
	b.WriteString("\n")
	b.WriteString(hdrBuilder.String())
	b.WriteString("\n")
	b.WriteString(signedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String(), signedHeaders
}

// Sign computes the Authorization header for req at instant t. The same t
// feeds both x-amz-date and the credential scope.
func (s *Signer) Sign(req Request, t time.Time) (Signature, error) {
	if req.Method == "" {
		return Signature{}, fmt.Errorf("%w: empty method", ErrInvalidRequest)
	}
	if req.Host == "" {
		return Signature{}, fmt.Errorf("%w: empty host", ErrInvalidRequest)
	}
	if !strings.HasPrefix(req.CanonicalURI, "/") {
		return Signature{}, fmt.Errorf("%w: canonical uri %q must start with /", ErrInvalidRequest, req.CanonicalURI)
	}

	payloadHash := req.PayloadHash
	if payloadHash == "" {
		payloadHash = EmptyPayloadHash
	}

	t = t.UTC()
	amzDate := t.Format(AmzDateFormat)
	dateStamp := t.Format(DateStampFormat)

	headers := map[string]string{
		"host":                 req.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	if req.ContentType != "" {
		headers["content-type"] = req.ContentType
	}

	rawQuery := CanonicalQuery(req.Query)
	canonicalReq, signedHeaders := BuildCanonicalRequest(req.Method, req.CanonicalURI, rawQuery, headers, payloadHash)

	scope := CredentialScope(dateStamp, s.region, s.service)
	stringToSign := StringToSign(amzDate, scope, canonicalReq)
	signature := hex.EncodeToString(HmacSHA256(SigningKey(s.creds.SecretAccessKey, dateStamp, s.region, s.service), stringToSign))

	authorization := Algorithm + " " + strings.Join([]string{
		"Credential=" + s.creds.AccessKeyID + "/" + scope,
		"SignedHeaders=" + signedHeaders,
		"Signature=" + signature,
	}, ", ")

	return Signature{
		Authorization: authorization,
		AmzDate:       amzDate,
		PayloadHash:   payloadHash,
		SignedHeaders: signedHeaders,
		RawQuery:      rawQuery,
	}, nil
}
