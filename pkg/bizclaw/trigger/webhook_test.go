package trigger

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sign1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"lead.created","id":17}`)
	const secret = "s3cret"

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"sha256 prefixed", "sha256=" + sign256(secret, body), true},
		{"bare hex defaults to sha256", sign256(secret, body), true},
		{"sha1 prefixed", "sha1=" + sign1(secret, body), true},
		{"wrong secret", "sha256=" + sign256("other", body), false},
		{"truncated digest", "sha256=" + sign256(secret, body)[:20], false},
		{"not hex", "sha256=zzzz", false},
		{"unsupported algorithm", "md5=" + sign256(secret, body), false},
		{"empty signature", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := VerifySignature(secret, body, tt.signature); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}

	if VerifySignature("", body, "sha256="+sign256(secret, body)) {
		t.Error("empty secret must never verify")
	}
	if VerifySignature(secret, []byte("tampered"), "sha256="+sign256(secret, body)) {
		t.Error("tampered body must not verify")
	}
}
