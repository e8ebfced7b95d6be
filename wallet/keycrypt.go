package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters match the interactive profile recommended by the package.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

var keyCipherSalt = []byte("chainpay.keycipher.v1")

// KeyCipher symmetrically encrypts derived private keys before persistence.
// The AES key is derived from a deployment secret; raw key material never
// reaches the database.
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher derives the sealing key from the deployment secret.
func NewKeyCipher(secret string) (*KeyCipher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("wallet: key cipher secret required")
	}
	derived, err := scrypt.Key([]byte(secret), keyCipherSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive cipher key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	zeroBytes(derived)
	if err != nil {
		return nil, fmt.Errorf("wallet: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wallet: gcm init: %w", err)
	}
	return &KeyCipher{aead: aead}, nil
}

// Seal encrypts plaintext key material, returning a base64 envelope of
// nonce || ciphertext.
func (c *KeyCipher) Seal(plain []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("wallet: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal.
func (c *KeyCipher) Open(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return nil, fmt.Errorf("wallet: envelope decode: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, errors.New("wallet: envelope truncated")
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("wallet: envelope authentication failed")
	}
	return plain, nil
}
