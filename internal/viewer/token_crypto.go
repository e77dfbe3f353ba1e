package viewer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// TokenKeyEnv holds the AES-256 key sealing upstream credentials at rest.
const TokenKeyEnv = "INVOICEPREVIEW_TOKEN_KEY"

var errInvalidCiphertext = errors.New("invalid token ciphertext")

// TokenCipher seals upstream bearer tokens before they reach the database.
type TokenCipher struct {
	aead cipher.AEAD
}

func NewTokenCipherFromEnv() (*TokenCipher, error) {
	raw := strings.TrimSpace(os.Getenv(TokenKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s not set", TokenKeyEnv)
	}
	c, err := NewTokenCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", TokenKeyEnv, err)
	}
	return c, nil
}

// NewTokenCipher accepts a 32 character key or its base64 form.
func NewTokenCipher(raw string) (*TokenCipher, error) {
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *TokenCipher) Seal(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *TokenCipher) Open(input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
