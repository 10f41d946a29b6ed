package sigv4

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAuthorization   = errors.New("sigv4: missing or unsupported authorization header")
	ErrMalformedAuthorization = errors.New("sigv4: malformed authorization header")
	ErrUnknownAccessKey       = errors.New("sigv4: unknown access key id")
	ErrSignatureMismatch      = errors.New("sigv4: signature does not match")
)

// Verifier checks SigV4 signatures on incoming requests against a single
// static key pair.
type Verifier struct {
	creds Credentials
}

// NewVerifier creates a Verifier for the given credentials.
func NewVerifier(creds Credentials) (*Verifier, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, ErrMissingCredentials
	}
	return &Verifier{creds: creds}, nil
}

type authorizationHeader struct {
	accessKeyID   string
	dateStamp     string
	region        string
	service       string
	signedHeaders []string
	signature     []byte
}

func parseAuthorization(value string) (authorizationHeader, error) {
	prefix := Algorithm + " "
	if !strings.HasPrefix(value, prefix) {
		return authorizationHeader{}, ErrMissingAuthorization
	}

	params := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	kv := make(map[string]string, 3)
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return authorizationHeader{}, ErrMalformedAuthorization
	}

	credParts := strings.Split(credStr, "/")
	if len(credParts) != 5 || credParts[4] != terminator {
		return authorizationHeader{}, ErrMalformedAuthorization
	}
	if credParts[1] == "" || credParts[2] == "" || credParts[3] == "" {
		return authorizationHeader{}, ErrMalformedAuthorization
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return authorizationHeader{}, ErrMalformedAuthorization
	}

	return authorizationHeader{
		accessKeyID:   credParts[0],
		dateStamp:     credParts[1],
		region:        credParts[2],
		service:       credParts[3],
		signedHeaders: strings.Split(signedHeadersStr, ";"),
		signature:     signature,
	}, nil
}

// Verify recomputes the signature of r and compares it with the one in its
// Authorization header. It returns the access key id on success.
func (v *Verifier) Verify(r *http.Request) (string, error) {
	auth, err := parseAuthorization(r.Header.Get(HeaderAuthorization))
	if err != nil {
		return "", err
	}
	if auth.accessKeyID != v.creds.AccessKeyID {
		return "", ErrUnknownAccessKey
	}

	amzDate := r.Header.Get(HeaderAmzDate)
	if len(amzDate) < len(DateStampFormat) || amzDate[:len(DateStampFormat)] != auth.dateStamp {
		return "", ErrSignatureMismatch
	}

	payloadHash := r.Header.Get(HeaderContentSHA256)
	if payloadHash == "" {
		return "", ErrMalformedAuthorization
	}

	headers := make(map[string]string, len(auth.signedHeaders))
	for _, name := range auth.signedHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "host" {
			headers[name] = r.Host
			if headers[name] == "" {
				headers[name] = r.URL.Host
			}
			continue
		}
		headers[name] = strings.Join(r.Header.Values(name), ",")
	}

	canonicalReq, _ := BuildCanonicalRequest(
		r.Method,
		URIEncode(r.URL.Path, false),
		CanonicalQuery(r.URL.Query()),
		headers,
		payloadHash,
	)

	scope := CredentialScope(auth.dateStamp, auth.region, auth.service)
	stringToSign := StringToSign(amzDate, scope, canonicalReq)
	computed := HmacSHA256(SigningKey(v.creds.SecretAccessKey, auth.dateStamp, auth.region, auth.service), stringToSign)

	if !hmac.Equal(computed, auth.signature) {
		return "", ErrSignatureMismatch
	}

	return auth.accessKeyID, nil
}
