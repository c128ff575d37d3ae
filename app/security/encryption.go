package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const keyFileName = "key.bin"

var (
	keyMu   sync.Mutex
	keyDir  = "data"
	keyData []byte
)

// SetKeyDir sets the directory holding the encryption key and forgets any loaded key
func SetKeyDir(dir string) {
	keyMu.Lock()
	defer keyMu.Unlock()
	keyDir = dir
	keyData = nil
}

// GetKeyPath returns the path to the encryption key file
func GetKeyPath() (string, error) {
	if err := os.MkdirAll(keyDir, 0755); err != nil {
		return "", fmt.Errorf("could not create security directory: %w", err)
	}
	return filepath.Join(keyDir, keyFileName), nil
}

// loadKey returns the AES-256 key, generating it on first use
func loadKey() ([]byte, error) {
	keyMu.Lock()
	defer keyMu.Unlock()

	if keyData != nil {
		return keyData, nil
	}

	keyPath, err := GetKeyPath()
	if err != nil {
		return nil, err
	}

	if key, err := os.ReadFile(keyPath); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid key size: expected 32 bytes, got %d", len(key))
		}
		keyData = key
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("could not generate random key: %w", err)
	}

	// only readable by owner
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("could not write key file: %w", err)
	}

	keyData = key
	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-GCM and returns base64 text
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt
func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("could not decode ciphertext: %w", err)
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", fmt.Errorf("could not decrypt: %w", err)
	}

	return string(plaintext), nil
}

// DecryptOrPlain decrypts value, returning it unchanged when it is not ciphertext.
// Plain values are accepted so development configs can keep readable secrets.
func DecryptOrPlain(value string) string {
	if value == "" {
		return ""
	}
	decrypted, err := Decrypt(value)
	if err != nil {
		return value
	}
	return decrypted
}
