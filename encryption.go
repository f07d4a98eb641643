package driftlock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cipherNonceSize is the nonce size for AES-GCM.
	cipherNonceSize = 12
	// CipherSaltSize is the salt size for PBKDF2 key derivation.
	CipherSaltSize = 32
	// cipherKeySize is the AES-256 key size.
	cipherKeySize = 32
	// cipherKDFIterations is the PBKDF2 iteration count.
	cipherKDFIterations = 100000
)

// CipherConfig configures encryption at rest for record and change-log
// payloads stored on the device.
type CipherConfig struct {
	// Enabled turns on payload encryption.
	Enabled bool `yaml:"enabled"`
	// Key is a raw 32-byte AES-256 key. If empty, Passphrase is used.
	Key []byte `yaml:"-"`
	// Passphrase derives the key via PBKDF2 when Key is not set.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// PayloadCipher encrypts payload blobs before they reach the store file.
// Only payloads are encrypted; ids, revisions and cursors stay queryable.
type PayloadCipher struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewPayloadCipher creates a cipher from a key or passphrase. It returns
// (nil, nil) when the config is disabled so callers can branch on nil.
func NewPayloadCipher(cfg CipherConfig) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	salt := make([]byte, CipherSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return buildCipher(cfg, salt)
}

// NewPayloadCipherWithSalt creates a cipher reusing a persisted salt, so a
// store opened with the same passphrase can read its own payloads.
func NewPayloadCipherWithSalt(cfg CipherConfig, salt []byte) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(salt) != CipherSaltSize {
		return nil, errors.New("invalid cipher salt size")
	}
	return buildCipher(cfg, salt)
}

func buildCipher(cfg CipherConfig, salt []byte) (*PayloadCipher, error) {
	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != cipherKeySize {
			return nil, errors.New("cipher key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.Passphrase != "":
		key = pbkdf2.Key([]byte(cfg.Passphrase), salt, cipherKDFIterations, cipherKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or passphrase provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{gcm: gcm, salt: salt}, nil
}

// Salt returns the key-derivation salt for persistence alongside the data.
func (c *PayloadCipher) Salt() []byte {
	return c.salt
}

// Seal encrypts a payload blob, prepending the nonce.
func (c *PayloadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cipherNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *PayloadCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < cipherNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:cipherNonceSize], ciphertext[cipherNonceSize:]
	return c.gcm.Open(nil, nonce, sealed, nil)
}
