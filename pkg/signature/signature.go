// Package signature computes request signatures for RPC-style cloud APIs that
// sign a canonicalised parameter set with HMAC-SHA1 (the "POP" scheme used by
// Aliyun services).
//
// The string to sign is
//
//	METHOD&percentEncode("/")&percentEncode(canonicalQuery)
//
// where canonicalQuery is the parameter set sorted by key (byte-wise
// ascending), each pair rendered as percentEncode(key)=percentEncode(value)
// and joined with "&". The digest is keyed with secret+"&" and returned base64
// encoded.
//
// Signing is a pure function: identical inputs always yield identical output.
// Callers that need replay protection must put a nonce into params themselves.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// ErrSigning is returned when the inputs cannot be canonicalised.
var ErrSigning = errors.New("signature: signing failed")

const upperhex = "0123456789ABCDEF"

// Sign returns the base64 HMAC-SHA1 signature of params for the given HTTP
// method. The "Signature" key, if present in params, is ignored.
func Sign(method string, params map[string]string, secret string) (string, error) {
	sts, err := StringToSign(method, params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(sts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// StringToSign builds the canonical string that [Sign] feeds into the HMAC.
func StringToSign(method string, params map[string]string) (string, error) {
	if method == "" {
		return "", fmt.Errorf("%w: empty method", ErrSigning)
	}
	q, err := CanonicalQuery(params)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(method) + "&" + PercentEncode("/") + "&" + PercentEncode(q), nil
}

// CanonicalQuery renders params sorted by key with every key and value
// percent-encoded. The "Signature" key is skipped.
func CanonicalQuery(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "Signature" {
			continue
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return "", fmt.Errorf("%w: parameter %q is not valid UTF-8", ErrSigning, k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(PercentEncode(k))
		b.WriteByte('=')
		b.WriteString(PercentEncode(params[k]))
	}
	return b.String(), nil
}

// PercentEncode escapes s per RFC 3986: only A-Z a-z 0-9 - _ . ~ are left
// as-is, every other byte becomes %XX with upper-case hex. Spaces therefore
// become %20 and '*' becomes %2A.
func PercentEncode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', upperhex[c>>4], upperhex[c&15])
	}
	return string(buf)
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
