package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewDataKey()
	if err != nil {
		t.Fatalf("NewDataKey: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("hello, world")

	ciphertext, iv, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(iv) != IVSize {
		t.Errorf("iv length = %d, want %d", len(iv), IVSize)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+TagSize)
	}

	got, err := Decrypt(ciphertext, key, iv)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	key := testKey(t)
	ciphertext, iv, err := Encrypt([]byte("abc"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ciphertext[0] ^= 0x01
	if _, err := Decrypt(ciphertext, key, iv); !errors.Is(err, errs.ErrAuth) {
		t.Errorf("tampered ciphertext: err = %v, want ErrAuth", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	ciphertext, iv, err := Encrypt([]byte("abc"), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, testKey(t), iv); !errors.Is(err, errs.ErrAuth) {
		t.Errorf("wrong key: err = %v, want ErrAuth", err)
	}
}

func TestEncrypt_BadKeySize(t *testing.T) {
	if _, _, err := Encrypt([]byte("x"), []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	master := testKey(t)
	dataKey := testKey(t)

	wrapped, err := Wrap(dataKey, master)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	got, err := Unwrap(wrapped, master)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, dataKey) {
		t.Error("unwrapped key differs from original")
	}

	if _, err := Unwrap(wrapped, testKey(t)); !errors.Is(err, errs.ErrAuth) {
		t.Errorf("unwrap with wrong master: err = %v, want ErrAuth", err)
	}
}

func TestIVEncoding(t *testing.T) {
	_, iv, err := Encrypt([]byte("x"), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decoded, err := DecodeIV(EncodeIV(iv))
	if err != nil {
		t.Fatalf("DecodeIV: %v", err)
	}
	if !bytes.Equal(decoded, iv) {
		t.Error("iv encode/decode mismatch")
	}

	if _, err := DecodeIV("not base64!!"); !errors.Is(err, errs.ErrCorrupt) {
		t.Errorf("bad base64: err = %v, want ErrCorrupt", err)
	}
}

func TestDevProvider(t *testing.T) {
	p, err := NewDevProvider([]byte("test seed"))
	if err != nil {
		t.Fatalf("NewDevProvider: %v", err)
	}

	dataKey := testKey(t)
	wrapped, err := WrapDataKey(p, dataKey)
	if err != nil {
		t.Fatalf("WrapDataKey: %v", err)
	}
	got, err := UnwrapDataKey(p, wrapped)
	if err != nil {
		t.Fatalf("UnwrapDataKey: %v", err)
	}
	if !bytes.Equal(got, dataKey) {
		t.Error("provider wrap/unwrap mismatch")
	}

	// Same seed must derive the same master key across providers.
	p2, _ := NewDevProvider([]byte("test seed"))
	if _, err := UnwrapDataKey(p2, wrapped); err != nil {
		t.Errorf("second provider with same seed: %v", err)
	}

	// A different seed must not unwrap.
	p3, _ := NewDevProvider([]byte("other seed"))
	if _, err := UnwrapDataKey(p3, wrapped); !errors.Is(err, errs.ErrAuth) {
		t.Errorf("different seed: err = %v, want ErrAuth", err)
	}
}

func TestNewDevProvider_EmptySeed(t *testing.T) {
	if _, err := NewDevProvider(nil); err == nil {
		t.Error("expected error for empty seed")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("Zero left %v", b)
	}
}
