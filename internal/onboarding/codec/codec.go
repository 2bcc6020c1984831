// Package codec provides authenticated encryption for onboarding state at
// rest. Each record is sealed with a per-record key derived from the master
// secret and a fresh random salt, so two encryptions of identical state never
// share key material or ciphertext.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"onboard/internal/onboarding/models"
)

const (
	saltSize  = 32
	nonceSize = 16
	tagSize   = 16
	keySize   = 32
)

// Default scrypt parameters. Deliberately slow (tens of milliseconds) to raise
// the cost of brute-forcing the master secret from captured blobs.
const (
	defaultScryptN = 32768
	defaultScryptR = 8
	defaultScryptP = 1
)

// ErrDecryptFailed is the single opaque failure surfaced for any malformed,
// tampered or undecryptable blob. Callers never learn which stage rejected it,
// and no partial plaintext is ever returned.
var ErrDecryptFailed = errors.New("decrypt failed")

// Codec seals and opens onboarding state blobs with scrypt-derived AES-256-GCM
// keys. Blob layout: base64(salt || nonce || tag || ciphertext).
type Codec struct {
	master  []byte
	scryptN int
	scryptR int
	scryptP int
}

// Option configures a Codec.
type Option func(*Codec)

// WithScryptParams overrides the KDF cost parameters. Tests use low values to
// keep the suite fast; production keeps the defaults.
func WithScryptParams(n, r, p int) Option {
	return func(c *Codec) {
		c.scryptN = n
		c.scryptR = r
		c.scryptP = p
	}
}

// New constructs a Codec over the given master secret. The secret must be
// non-empty; the production/development fallback policy lives in config, not
// here.
func New(masterSecret string, opts ...Option) (*Codec, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	c := &Codec{
		master:  []byte(masterSecret),
		scryptN: defaultScryptN,
		scryptR: defaultScryptR,
		scryptP: defaultScryptP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Encrypt serializes state and seals it into a storable blob.
func (c *Codec) Encrypt(state *models.OnboardingState) (string, error) {
	if state == nil {
		return "", fmt.Errorf("state is required")
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return c.Seal(plain)
}

// Decrypt opens a blob and decodes the state. Any failure, from base64 to tag
// verification to JSON decoding, surfaces as ErrDecryptFailed.
func (c *Codec) Decrypt(blob string) (*models.OnboardingState, error) {
	plain, err := c.Open(blob)
	if err != nil {
		return nil, err
	}
	var state models.OnboardingState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, ErrDecryptFailed
	}
	return &state, nil
}

// Seal encrypts a plaintext with a fresh salt and nonce.
func (c *Codec) Seal(plain []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	// Seal appends the tag after the ciphertext; the stored layout carries
	// the tag before it.
	sealed := gcm.Seal(nil, nonce, plain, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open verifies and decrypts a sealed blob.
func (c *Codec) Open(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(blob) < saltSize+nonceSize+tagSize {
		return nil, ErrDecryptFailed
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	tag := blob[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ciphertext := blob[saltSize+nonceSize+tagSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func (c *Codec) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.master, salt, c.scryptN, c.scryptR, c.scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
