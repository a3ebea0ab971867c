package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink stores private-key material and other process secrets. CA
// private keys never leave the CA component except through this
// interface. Implementations may be file-backed, an external secret
// service, or a hardware-backed KMS; the choice is deployment config.
type Sink interface {
	// Put stores secret material under an opaque handle.
	Put(handle string, secret []byte) error
	// Get retrieves the material for a handle.
	Get(handle string) ([]byte, error)
	// Delete removes a handle. Deleting an absent handle is not an
	// error.
	Delete(handle string) error
}

// Open resolves a sink URI from configuration. Currently supported:
// file:<dir>.
func Open(uri string) (Sink, error) {
	switch {
	case strings.HasPrefix(uri, "file:"):
		return NewFileSink(strings.TrimPrefix(uri, "file:"))
	default:
		return nil, fmt.Errorf("unsupported secret sink %q", uri)
	}
}

// FileSink keeps secrets as AES-256-GCM encrypted files under a
// directory. The master key lives alongside in a 0600 file and is
// generated on first use.
type FileSink struct {
	dir string
	key []byte
}

// NewFileSink opens or initializes a file-backed sink at dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	keyPath := filepath.Join(dir, ".master")
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("failed to write master key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	return &FileSink{dir: dir, key: key}, nil
}

func (s *FileSink) path(handle string) string {
	// Handles are caller-chosen; hash them so they are always safe
	// file names.
	sum := sha256.Sum256([]byte(handle))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16]))
}

// Put stores secret material under handle.
func (s *FileSink) Put(handle string, secret []byte) error {
	if handle == "" {
		return fmt.Errorf("handle cannot be empty")
	}
	ciphertext, err := encrypt(s.key, secret)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(handle), ciphertext, 0600)
}

// Get retrieves and decrypts the material for handle.
func (s *FileSink) Get(handle string) ([]byte, error) {
	ciphertext, err := os.ReadFile(s.path(handle))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("secret %q not found", handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return decrypt(s.key, ciphertext)
}

// Delete removes the handle's material.
func (s *FileSink) Delete(handle string) error {
	err := os.Remove(s.path(handle))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data sealed by encrypt.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
