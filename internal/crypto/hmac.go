package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names set by RequestSigner.
const (
	HeaderKey       = "X-LS-Key"
	HeaderTimestamp = "X-LS-Timestamp"
	HeaderSignature = "X-LS-Signature"
)

// RequestSigner holds the credentials for HMAC-authenticated requests against
// the broker gateway and the ledger API.
type RequestSigner struct {
	Key    string // API key or account ID
	Secret string // shared secret
}

// Headers returns the signing headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (s *RequestSigner) Headers(method, path, body string) map[string]string {
	return s.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (s *RequestSigner) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       s.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(s.Secret, ts+method+path+body),
	}
}

// Apply sets the signing headers on req. A signer without a secret is a no-op.
func (s *RequestSigner) Apply(req *http.Request, body []byte) {
	if s == nil || s.Secret == "" {
		return
	}
	for k, v := range s.Headers(req.Method, req.URL.Path, string(body)) {
		req.Header.Set(k, v)
	}
}

// Verify checks a signature produced by Headers.
func Verify(secret, method, path, body, ts, signature string) bool {
	expected := Sign(secret, ts+method+path+body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes HMAC-SHA256 of message using secret and returns the result as
// a base64 standard-encoded string.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *RequestSigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("RequestSigner{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}
