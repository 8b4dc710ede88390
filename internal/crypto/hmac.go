package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated requests.
const (
	HeaderKey       = "X-Swapbot-Key"
	HeaderTimestamp = "X-Swapbot-Timestamp"
	HeaderSignature = "X-Swapbot-Signature"
)

// ErrBadSignature is returned by Verify for a missing, stale or wrong
// signature.
var ErrBadSignature = errors.New("crypto: bad request signature")

// HMACAuth signs and verifies requests exchanged with the trade sidecar and
// webhook senders. The signature is HMAC-SHA256(secret,
// timestamp+method+path+body) encoded as base64.
type HMACAuth struct {
	Key    string // key id, sent in clear
	Secret string
}

// Headers returns the authentication headers for a request.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Apply sets the authentication headers on req.
func (h *HMACAuth) Apply(req *http.Request, body []byte) {
	for k, v := range h.Headers(req.Method, req.URL.Path, string(body)) {
		req.Header.Set(k, v)
	}
}

// Verify checks the signature headers of a received request. Timestamps
// further than maxSkew from now are rejected.
func (h *HMACAuth) Verify(method, path string, body []byte, hdr http.Header, now time.Time, maxSkew time.Duration) error {
	ts := hdr.Get(HeaderTimestamp)
	sig := hdr.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: missing headers", ErrBadSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return fmt.Errorf("%w: timestamp skew %s", ErrBadSignature, skew)
	}

	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+string(body))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
