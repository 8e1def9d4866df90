package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload HMAC-SHA256-signs a webhook payload the way a receiver is
// expected to verify it: hex-encoded, sent in the X-Signature header.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
