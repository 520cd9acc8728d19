package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried on every request to the remote signer.
const (
	HeaderSignerKey       = "X-Signer-Key"
	HeaderSignerTimestamp = "X-Signer-Timestamp"
	HeaderSignerSignature = "X-Signer-Signature"
)

// RequestAuth holds the credentials for HMAC-authenticated calls to the
// signing service.
type RequestAuth struct {
	Key    string
	Secret string
}

// Headers signs timestamp+method+path+body with HMAC-SHA256 and returns the
// headers to attach.
func (a *RequestAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (a *RequestAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderSignerKey:       a.Key,
		HeaderSignerTimestamp: ts,
		HeaderSignerSignature: Sign([]byte(a.Secret), ts+method+path+body),
	}
}

// Verify reports whether sig is the signature of the given request at ts.
func (a *RequestAuth) Verify(method, path, body, ts, sig string) bool {
	want := Sign([]byte(a.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Sign returns base64(HMAC-SHA256(key, message)).
func Sign(key []byte, message string) string {
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
