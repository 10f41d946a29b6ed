package sigv4

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// URIEncode percent-encodes s the way SigV4 expects: every byte outside the
// unreserved set (A-Z a-z 0-9 - _ . ~) is escaped as %XX with upper-case hex.
// Unlike url.PathEscape this also escapes ! ' ( ) * which some clients leave
// alone. When encodeSlash is false, '/' is kept as a path separator.
func URIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// CanonicalURI returns the encoded request path for an object in a
// path-style bucket: "/{bucket}/{key}" with each segment escaped. An empty
// key yields "/{bucket}/", the form used for bucket-level requests such as
// ListObjectsV2.
func CanonicalURI(bucket string, key string) string {
	return "/" + URIEncode(bucket, true) + "/" + URIEncode(key, false)
}

// CanonicalQuery renders values sorted by name, then by value, with both
// sides escaped. The result is used verbatim as the request's raw query so
// the bytes on the wire are the bytes that were signed.
func CanonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, URIEncode(k, true)+"="+URIEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	return strings.Join(strings.Fields(v), " ")
}
