// Package trigger – webhook.go verifies inbound webhook signatures.
// Providers sign the raw body with HMAC over a shared secret and send the
// hex digest in a header, usually prefixed with the algorithm.
package trigger

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an HMAC webhook signature against the raw body.
// Accepts "sha256=<hex>" and "sha1=<hex>" forms as well as a bare hex
// digest (treated as SHA-256). The digest length is checked before the
// constant-time comparison so a truncated header fails fast without
// leaking timing.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	algo := "sha256"
	digest := signature
	if i := strings.IndexByte(signature, '='); i > 0 {
		algo = strings.ToLower(signature[:i])
		digest = signature[i+1:]
	}

	var expected []byte
	switch algo {
	case "sha256":
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	case "sha1":
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	default:
		return false
	}

	got, err := hex.DecodeString(digest)
	if err != nil || len(got) != len(expected) {
		return false
	}
	return hmac.Equal(got, expected)
}
