// Package crypto provides password-based secret encryption for configuration
// values and HMAC request signing for the broker and ledger clients.
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
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-secret JSON schema version.
	currentVersion = 1

	// EncryptedPrefix marks a configuration value produced by EncryptSecret.
	EncryptedPrefix = "enc:"
)

// sealedSecret is the JSON envelope behind an "enc:" value.
type sealedSecret struct {
	Version    int    `json:"v"`
	Salt       string `json:"s"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
}

// IsEncrypted reports whether v was produced by EncryptSecret.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, EncryptedPrefix)
}

// EncryptSecret encrypts plaintext with a password using PBKDF2-HMAC-SHA256
// key derivation and AES-256-GCM. The result is "enc:" followed by base64 JSON.
func EncryptSecret(plaintext, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	if plaintext == "" {
		return "", errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	sealed := sealedSecret{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(plaintext), nil)),
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: encoding envelope: %w", err)
	}
	return EncryptedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(value, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	if !IsEncrypted(value) {
		return "", errors.New("crypto: value is not encrypted")
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decoding envelope: %w", err)
	}
	var stored sealedSecret
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
