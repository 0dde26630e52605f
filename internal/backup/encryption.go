package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"tenant-backup/internal/config"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeMagic    = "TBK1"
	envelopeSaltSize = 16
	pbkdf2Iterations = 100000
	keySize          = 32
)

// EncryptionManager wraps remote copies in an AES-256-GCM envelope:
// magic | salt | nonce | ciphertext. The key is derived per envelope from a
// passphrase read from the environment.
type EncryptionManager struct {
	enabled    bool
	passphrase []byte
}

// NewEncryptionManager creates a manager from config. A disabled config yields
// a pass-through manager.
func NewEncryptionManager(cfg config.EncryptionConfig) (*EncryptionManager, error) {
	if !cfg.Enabled {
		return &EncryptionManager{}, nil
	}
	pass := os.Getenv(cfg.PassphraseEnv)
	if pass == "" {
		return nil, NewConfigurationError(
			fmt.Sprintf("encryption is enabled but %s is not set", cfg.PassphraseEnv), nil)
	}
	return &EncryptionManager{enabled: true, passphrase: []byte(pass)}, nil
}

// NewEncryptionManagerWithPassphrase is used by tests and embedders.
func NewEncryptionManagerWithPassphrase(passphrase string) *EncryptionManager {
	return &EncryptionManager{enabled: passphrase != "", passphrase: []byte(passphrase)}
}

// IsEnabled returns whether encryption is enabled
func (em *EncryptionManager) IsEnabled() bool {
	return em != nil && em.enabled
}

func (em *EncryptionManager) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(em.passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// Encrypt seals data. Disabled managers return data unchanged.
func (em *EncryptionManager) Encrypt(data []byte) ([]byte, error) {
	if !em.IsEnabled() {
		return data, nil
	}

	salt := make([]byte, envelopeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, NewEncryptionError("failed to generate salt", err)
	}
	gcm, err := em.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}

	out := make([]byte, 0, len(envelopeMagic)+len(salt)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, salt...)
	return gcm.Seal(append(out, nonce...), nonce, data, []byte(envelopeMagic)), nil
}

// Decrypt opens an envelope. Data without the envelope header is returned
// unchanged so that archives uploaded before encryption was enabled still load.
func (em *EncryptionManager) Decrypt(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(envelopeMagic)) {
		return data, nil
	}
	if !em.IsEnabled() {
		return nil, NewEncryptionError("object is encrypted but no passphrase is configured", nil)
	}

	rest := data[len(envelopeMagic):]
	if len(rest) < envelopeSaltSize {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}
	salt, rest := rest[:envelopeSaltSize], rest[envelopeSaltSize:]
	gcm, err := em.gcm(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(envelopeMagic))
	if err != nil {
		return nil, NewEncryptionError("failed to decrypt data", err)
	}
	return plaintext, nil
}
