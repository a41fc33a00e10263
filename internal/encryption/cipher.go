// Package encryption implements the secret-at-rest cipher. Keys are derived
// per purpose from a single master secret, so a payload encrypted for one
// context can never decrypt under another.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"taskauth/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrMalformedPayload = errors.New("decryption failed: malformed payload")
	ErrTagMismatch      = errors.New("decryption failed: authentication tag mismatch")
)

const ivSize = 16

// SecretCipher performs AES-256-GCM encryption with context-derived keys.
// Payloads are emitted as hex(iv):hex(tag):hex(ciphertext).
type SecretCipher struct {
	master []byte
}

// NewSecretCipher builds a cipher around raw master key material.
func NewSecretCipher(master []byte) (*SecretCipher, error) {
	if len(master) == 0 {
		return nil, errors.New("secret cipher requires master key material")
	}
	return &SecretCipher{master: master}, nil
}

// NewFromConfig resolves the master key per configuration: decrypted through
// KMS when enabled, otherwise the locally configured secret.
func NewFromConfig(ctx context.Context, cfg config.KMSConfig, kmsClient *kms.Client) (*SecretCipher, error) {
	if !cfg.Enabled {
		return NewSecretCipher([]byte(cfg.MasterSecret))
	}

	blob, err := base64.StdEncoding.DecodeString(cfg.EncryptedMasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted master key: %w", err)
	}
	out, err := kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt master key via KMS: %w", err)
	}
	return NewSecretCipher(out.Plaintext)
}

// deriveKey hashes the master secret with a purpose label so each context
// ("twofactor", "chat", ...) gets its own 256-bit key.
func (c *SecretCipher) deriveKey(keyContext string) []byte {
	sum := sha256.Sum256(append(append([]byte{}, c.master...), []byte(":"+keyContext)...))
	return sum[:]
}

// Encrypt seals plaintext under the context key with a random 16-byte IV.
func (c *SecretCipher) Encrypt(plaintext, keyContext string) (string, error) {
	block, err := aes.NewCipher(c.deriveKey(keyContext))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagAt := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagAt], sealed[tagAt:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a payload produced by Encrypt. Malformed payloads are
// rejected outright; there is no legacy plaintext pass-through. Tag failures
// cover both corruption and wrong-context keys.
func (c *SecretCipher) Decrypt(payload, keyContext string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", ErrMalformedPayload
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformedPayload
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedPayload
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedPayload
	}

	block, err := aes.NewCipher(c.deriveKey(keyContext))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTagMismatch, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTagMismatch, err)
	}
	if len(tag) != gcm.Overhead() {
		return "", ErrMalformedPayload
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrTagMismatch
	}
	return string(plaintext), nil
}
