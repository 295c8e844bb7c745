// Package crypto provides the encryption shim for provider API keys at
// rest: a symmetric key derived once at startup from API_KEY_SECRET,
// AES-256-GCM sealing, and an opaque "enc:"-prefixed token format so
// encrypted and (legacy) plaintext values can be told apart on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aimi9933/llmgateway/internal/types"
)

const encPrefix = "enc:"

// Cipher seals and opens provider API keys with a key derived once from
// the operator-supplied API_KEY_SECRET. Safe for concurrent use.
type Cipher struct {
	key []byte
}

// New derives a 32-byte AES-256 key from secret via SHA-256 and returns a
// Cipher. secret must be non-empty; this is an operator-configuration
// error surfaced at startup, not per-request.
func New(secret string) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext into "enc:<base64(nonce+ciphertext)>". An empty
// plaintext passes through unchanged — there is nothing to protect and
// callers may store "no key configured" as an empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value previously produced by Encrypt. A value without
// the "enc:" prefix passes through unchanged (plaintext imported directly
// into the store, or a pre-encryption-rollout row). Failures here are
// always DecryptionFailed — an operator misconfiguration (wrong or
// rotated API_KEY_SECRET), never a client-facing validation error.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", types.DecryptionFailed(fmt.Errorf("decode base64: %w", err))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", types.DecryptionFailed(err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", types.DecryptionFailed(err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", types.DecryptionFailed(errors.New("ciphertext too short"))
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", types.DecryptionFailed(err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from an arbitrary-length
// passphrase by hashing it with SHA-256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("API_KEY_SECRET must not be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:], nil
}

// Mask returns a display-safe form of an API key: the first 4 and last 4
// characters, with the middle replaced by asterisks. Used whenever a
// provider's key is read back through the admin API — the plaintext key
// must never round-trip to a client once stored.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
