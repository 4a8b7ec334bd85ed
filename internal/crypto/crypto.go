// Package crypto implements the envelope encryption scheme: file content is
// encrypted with AES-256-GCM under a per-vault data key; data keys are wrapped
// under a master key obtained from an opaque provider.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag length appended to ciphertext.
	TagSize = 16
)

// Encrypt seals plaintext under key with a fresh random nonce. The returned
// ciphertext carries the 16-byte GCM tag appended; the nonce is returned
// separately so callers can persist it as file metadata.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext+tag under key and iv. A tag mismatch surfaces as
// errs.ErrAuth.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d: %w", IVSize, len(iv), errs.ErrInvalidArgument)
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("ciphertext too short: %w", errs.ErrCorrupt)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", errs.ErrAuth)
	}
	return plaintext, nil
}

// Wrap encrypts a data key under the master key. The nonce is prepended to the
// wrapped blob, matching how vault_keys rows are stored.
func Wrap(dataKey, masterKey []byte) ([]byte, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, dataKey, nil), nil
}

// Unwrap recovers a data key previously sealed with Wrap.
func Unwrap(wrapped, masterKey []byte) ([]byte, error) {
	if len(wrapped) < IVSize+TagSize {
		return nil, fmt.Errorf("wrapped key too short: %w", errs.ErrCorrupt)
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	dataKey, err := gcm.Open(nil, wrapped[:IVSize], wrapped[IVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", errs.ErrAuth)
	}
	return dataKey, nil
}

// NewDataKey generates a random 32-byte vault data key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}

// EncodeIV renders a nonce as the Base64 form stored in file rows and object
// metadata.
func EncodeIV(iv []byte) string {
	return base64.StdEncoding.EncodeToString(iv)
}

// DecodeIV parses the Base64 nonce form.
func DecodeIV(b64 string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 iv: %w", errs.ErrCorrupt)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d: %w", IVSize, len(iv), errs.ErrCorrupt)
	}
	return iv, nil
}

// Zero wipes key material in place. Callers must zero any derived buffers
// when done with them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d: %w", KeySize, len(key), errs.ErrInvalidArgument)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
