package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keySize = 32

// ErrCiphertextTooShort is returned for stored values shorter than a nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// EncryptionKey is the per-installation key protecting the stored API key
type EncryptionKey struct {
	key []byte
}

// LoadOrCreateKey loads an existing key or creates a new one. A file of the
// wrong size is replaced, which makes previously stored secrets unreadable.
func LoadOrCreateKey(path string) (*EncryptionKey, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == keySize {
		return &EncryptionKey{key: key}, nil
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	return &EncryptionKey{key: key}, nil
}

func (e *EncryptionKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-GCM. The nonce is prepended.
func (e *EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt
func (e *EncryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// StoreAPIKey encrypts apiKey and saves it in db
func (e *EncryptionKey) StoreAPIKey(db *DB, apiKey string) error {
	encrypted, err := e.Encrypt([]byte(apiKey))
	if err != nil {
		return err
	}
	return db.SaveAPIKey(encrypted)
}

// LoadAPIKey returns the decrypted API key stored in db, or "" if none is stored
func (e *EncryptionKey) LoadAPIKey(db *DB) (string, error) {
	cred, err := db.GetCredentials()
	if err != nil || cred == nil {
		return "", err
	}
	plaintext, err := e.Decrypt(cred.APIKeyEncrypted)
	if err != nil {
		return "", fmt.Errorf("stored API key: %w", err)
	}
	return string(plaintext), nil
}
