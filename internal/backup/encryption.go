package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"drguard/internal/apperrors"
)

// Key sources accepted by EncryptionConfig.
const (
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

// EncryptionConfig tunes artifact encryption.
type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	KeySource string `yaml:"key_source" json:"key_source"`
	KeyEnvVar string `yaml:"key_env_var" json:"key_env_var"`
	KeyPath   string `yaml:"key_path" json:"key_path"`

	// Passphrase and Salt feed PBKDF2 when KeySource is "passphrase". The
	// salt is hex-encoded.
	Passphrase string `yaml:"-" json:"-"`
	Salt       string `yaml:"salt" json:"salt"`

	// KeyRetriever overrides key lookup entirely. Used by tests and custom
	// key management integrations.
	KeyRetriever func() ([]byte, error) `yaml:"-" json:"-"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *EncryptionConfig) SetDefaults() {
	if c.KeySource == "" {
		c.KeySource = KeySourceEnv
	}
	if c.KeyEnvVar == "" {
		c.KeyEnvVar = "DRGUARD_ENCRYPTION_KEY"
	}
}

// Validate checks the configuration.
func (c *EncryptionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.KeySource {
	case KeySourceEnv, KeySourceFile, KeySourcePassphrase:
		return nil
	default:
		if c.KeyRetriever != nil {
			return nil
		}
		return apperrors.NewValidationError(fmt.Sprintf("unsupported key source: %s", c.KeySource), nil)
	}
}

// Key resolves the 32-byte AES-256 key from the configured source.
func (c *EncryptionConfig) Key() ([]byte, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.KeyRetriever != nil {
		return c.KeyRetriever()
	}

	switch c.KeySource {
	case KeySourceEnv:
		keyStr := os.Getenv(c.KeyEnvVar)
		if keyStr == "" {
			return nil, apperrors.NewValidationError(fmt.Sprintf("encryption key not found in environment variable %s", c.KeyEnvVar), nil)
		}
		key, err := hex.DecodeString(keyStr)
		if err != nil {
			return nil, apperrors.NewValidationError("encryption key is not valid hex", err)
		}
		return checkKeySize(key)

	case KeySourceFile:
		key, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("failed to read encryption key from %s", c.KeyPath), err)
		}
		return checkKeySize(key)

	case KeySourcePassphrase:
		if c.Passphrase == "" {
			return nil, apperrors.NewValidationError("encryption passphrase is empty", nil)
		}
		salt, err := hex.DecodeString(c.Salt)
		if err != nil || len(salt) == 0 {
			return nil, apperrors.NewValidationError("encryption salt must be non-empty hex", err)
		}
		return DeriveKey(c.Passphrase, salt), nil

	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported key source: %s", c.KeySource), nil)
	}
}

func checkKeySize(key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, apperrors.NewValidationError(fmt.Sprintf("encryption key must be 32 bytes for AES-256, got %d", len(key)), nil)
	}
	return key, nil
}

// EncryptionStats describes one encryption pass.
type EncryptionStats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Algorithm     string        `json:"algorithm"`
	Duration      time.Duration `json:"duration"`
}

// Encryptor seals and opens artifacts with AES-256-GCM. The random nonce is
// prefixed to the ciphertext.
type Encryptor struct {
	config EncryptionConfig
}

// NewEncryptor creates an encryptor for the given configuration.
func NewEncryptor(config EncryptionConfig) *Encryptor {
	config.SetDefaults()
	return &Encryptor{config: config}
}

// Enabled reports whether encryption is configured on.
func (e *Encryptor) Enabled() bool {
	return e.config.Enabled
}

// Algorithm names the cipher in use.
func (e *Encryptor) Algorithm() string {
	if !e.config.Enabled {
		return "NONE"
	}
	return "AES-256-GCM"
}

// Encrypt seals data. With encryption disabled it passes data through.
func (e *Encryptor) Encrypt(data []byte) ([]byte, *EncryptionStats, error) {
	if !e.config.Enabled {
		return data, &EncryptionStats{
			OriginalSize:  int64(len(data)),
			EncryptedSize: int64(len(data)),
			Algorithm:     "NONE",
		}, nil
	}

	start := time.Now()
	gcm, err := e.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, apperrors.NewBackupError("failed to generate encryption nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return ciphertext, &EncryptionStats{
		OriginalSize:  int64(len(data)),
		EncryptedSize: int64(len(ciphertext)),
		Algorithm:     "AES-256-GCM",
		Duration:      time.Since(start),
	}, nil
}

// Decrypt opens data sealed by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if !e.config.Enabled {
		return data, nil
	}

	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, apperrors.NewIntegrityError("encrypted payload is too short", nil)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.NewIntegrityError("failed to decrypt backup payload", err).
			WithCode(apperrors.CodeChecksumMismatch)
	}
	return plaintext, nil
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	key, err := e.config.Key()
	if err != nil {
		return nil, apperrors.NewBackupError("failed to resolve encryption key", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.NewBackupError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewBackupError("failed to create GCM mode", err)
	}
	return gcm, nil
}

// DeriveKey stretches a passphrase into an AES-256 key with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.NewBackupError("failed to generate encryption key", err)
	}
	return key, nil
}

// GenerateSalt returns a fresh random salt, hex-encoded for configuration.
func GenerateSalt() (string, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", apperrors.NewBackupError("failed to generate salt", err)
	}
	return hex.EncodeToString(salt), nil
}
