package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Delivery headers.
const (
	HeaderSignature = "X-Signature"
	HeaderEventType = "X-Event-Type"
	HeaderAttempt   = "X-Delivery-Attempt"
)

// SignHMAC returns the lowercase hex HMAC-SHA256 of body under secret.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature produced by SignHMAC. A "sha256=" prefix is
// accepted so receivers can pass GitHub-style header values through.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(provided), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
