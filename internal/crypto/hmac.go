package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by signed API requests.
const (
	HeaderKey       = "X-MCD-Key"
	HeaderTimestamp = "X-MCD-Timestamp"
	HeaderSignature = "X-MCD-Signature"
)

// ErrBadSignature is returned by Verify for any mismatch.
var ErrBadSignature = errors.New("crypto: bad request signature")

// RequestAuth holds the shared credentials for HMAC-signed requests against
// the mcdkit HTTP API. Mutating endpoints (open, free, reset) require them
// when configured.
type RequestAuth struct {
	Key    string
	Secret string
	// MaxSkew bounds how far a request timestamp may drift. Defaults to 30s.
	MaxSkew time.Duration
}

// Headers returns the headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body), base64 encoded.
func (a *RequestAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied unix timestamp.
func (a *RequestAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(a.Secret), ts+method+path+body),
	}
}

// Verify checks a signed request received at now.
func (a *RequestAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if key != a.Key {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, ts)
	}
	skew := a.MaxSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: timestamp outside %s", ErrBadSignature, skew)
	}
	want := hmacSHA256Base64([]byte(a.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (a *RequestAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("RequestAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
