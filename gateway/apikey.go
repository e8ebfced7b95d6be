package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// APIKeyPair is the one-time view of a freshly minted credential. The raw
// secret is returned exactly once; only the salted digest is stored, and that
// digest is also the request-signing key.
type APIKeyPair struct {
	PublicID   string `json:"apiKey"`
	Secret     string `json:"apiSecret"`
	SigningKey string `json:"signingKey"`
}

// GenerateAPIKey mints a pk_/sk_ pair and its derived signing key.
func GenerateAPIKey(salt string) (APIKeyPair, error) {
	pub := make([]byte, 12)
	sec := make([]byte, 24)
	if _, err := rand.Read(pub); err != nil {
		return APIKeyPair{}, err
	}
	if _, err := rand.Read(sec); err != nil {
		return APIKeyPair{}, err
	}
	pair := APIKeyPair{
		PublicID: "pk_" + hex.EncodeToString(pub),
		Secret:   "sk_" + hex.EncodeToString(sec),
	}
	pair.SigningKey = HashAPISecret(salt, pair.Secret)
	return pair, nil
}

// HashAPISecret derives the stored digest of an API secret. Clients derive
// the same value from the secret they hold and use it as the HMAC signing
// key, so the server never needs the raw secret after creation.
func HashAPISecret(salt, secret string) string {
	h := sha256.Sum256([]byte(salt + ":" + strings.TrimSpace(secret)))
	return hex.EncodeToString(h[:])
}

// SignRequest computes the API request signature: HMAC-SHA256 over
// timestamp + rawBody, keyed with the derived signing key, hex encoded.
func SignRequest(signingKey, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureEqual(a, b string) bool {
	rawA, errA := hex.DecodeString(strings.TrimSpace(a))
	rawB, errB := hex.DecodeString(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(rawA, rawB)
}
