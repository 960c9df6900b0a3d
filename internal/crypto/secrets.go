// Package crypto encrypts indexer secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptedPrefix marks encrypted values in the database
	EncryptedPrefix = "enc:v1:"

	pbkdf2Iterations = 100000
	keyLength        = 32 // AES-256
	saltLength       = 16
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// sensitiveKeys are settings never stored or logged in clear text.
var sensitiveKeys = map[string]bool{
	"password": true,
	"apikey":   true,
	"cookie":   true,
	"rsskey":   true,
	"passkey":  true,
	"pid":      true,
	"2facode":  true,
}

// IsSensitive reports whether a settings key holds a secret.
func IsSensitive(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// SecretStore encrypts values with AES-256-GCM under a PBKDF2 derived key.
type SecretStore struct {
	aead cipher.AEAD
}

// NewSecretStore derives the encryption key from a passphrase and salt.
// The salt must be stored persistently alongside the passphrase.
func NewSecretStore(passphrase string, salt []byte) (*SecretStore, error) {
	if passphrase == "" {
		return nil, errors.New("secret key is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("secret salt is required")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &SecretStore{aead: gcm}, nil
}

// GenerateSalt creates a random salt for key derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Encrypt returns the base64 ciphertext of plaintext with EncryptedPrefix.
// Empty and already encrypted values are returned unchanged.
func (s *SecretStore) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without EncryptedPrefix are returned as-is.
func (s *SecretStore) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[len(EncryptedPrefix):])
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// SealSettings encrypts the sensitive string values of a settings object.
func (s *SecretStore) SealSettings(raw json.RawMessage) (json.RawMessage, error) {
	return s.transformSettings(raw, s.Encrypt)
}

// OpenSettings decrypts the sensitive values sealed by SealSettings.
func (s *SecretStore) OpenSettings(raw json.RawMessage) (json.RawMessage, error) {
	return s.transformSettings(raw, s.Decrypt)
}

func (s *SecretStore) transformSettings(raw json.RawMessage, fn func(string) (string, error)) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	changed := false
	for k, v := range settings {
		str, ok := v.(string)
		if !ok || !IsSensitive(k) {
			continue
		}
		out, err := fn(str)
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", k, err)
		}
		if out != str {
			settings[k] = out
			changed = true
		}
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(settings)
}

// IsEncrypted checks if a value has the encryption prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// RedactSettings replaces sensitive values with a fixed mask, for logs and API output.
func RedactSettings(raw json.RawMessage) json.RawMessage {
	var settings map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &settings) != nil {
		return raw
	}
	for k, v := range settings {
		if s, ok := v.(string); ok && s != "" && IsSensitive(k) {
			settings[k] = "********"
		}
	}
	out, err := json.Marshal(settings)
	if err != nil {
		return raw
	}
	return out
}
