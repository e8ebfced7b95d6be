package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Delivery headers. The signature covers timestamp + "\n" + rawBody so a
// receiver can verify both integrity and freshness.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// Sign computes the hex HMAC-SHA256 over timestamp + "\n" + body.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature, for use by test tooling and receiver
// implementations.
func Verify(secret, timestamp, signature string, body []byte) bool {
	expected, err := hex.DecodeString(Sign(secret, timestamp, body))
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}

// UnixTimestamp renders the delivery timestamp header value.
func UnixTimestamp(now time.Time) string {
	return strconv.FormatInt(now.UTC().Unix(), 10)
}
