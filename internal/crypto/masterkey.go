package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// MasterKeyProvider yields the 32-byte process master key. The production
// binding is TPM-backed and lives outside the core; the handle is never
// copied out of the provider.
type MasterKeyProvider interface {
	// WithMasterKey runs fn with the key material. The slice is only valid
	// for the duration of the call and is zeroed afterwards.
	WithMasterKey(fn func(key []byte) error) error
}

// DevProvider derives a master key from a static seed via HKDF-SHA256. Only
// permitted when dev.enabled is set.
type DevProvider struct {
	mu   sync.Mutex
	seed []byte
}

// NewDevProvider builds an in-memory stand-in from a seed. Rejects empty
// seeds so a misconfigured test cannot silently run with a zero key.
func NewDevProvider(seed []byte) (*DevProvider, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("dev master key seed is empty: %w", errs.ErrInvalidArgument)
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &DevProvider{seed: s}, nil
}

func (p *DevProvider) WithMasterKey(fn func(key []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := hkdf.New(sha256.New, p.seed, nil, []byte("vaulthalla-master-key"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer Zero(key)

	return fn(key)
}

// FileProvider derives the master key from a seed file on disk, creating the
// file with a fresh random seed on first use. This is the non-TPM fallback
// binding; the seed file is owner-readable only.
type FileProvider struct {
	mu   sync.Mutex
	path string
	seed []byte
}

func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) load() error {
	seed, err := os.ReadFile(p.path)
	if err == nil {
		if len(seed) != KeySize {
			return fmt.Errorf("master seed at %s must be %d bytes, got %d: %w", p.path, KeySize, len(seed), errs.ErrCorrupt)
		}
		p.seed = seed
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read master seed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	seed = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return fmt.Errorf("generate master seed: %w", err)
	}
	if err := os.WriteFile(p.path, seed, 0600); err != nil {
		return fmt.Errorf("write master seed: %w", err)
	}
	p.seed = seed
	return nil
}

func (p *FileProvider) WithMasterKey(fn func(key []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := hkdf.New(sha256.New, p.seed, nil, []byte("vaulthalla-master-key"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer Zero(key)

	return fn(key)
}

// UnwrapDataKey resolves a stored wrapped vault key against the provider.
func UnwrapDataKey(p MasterKeyProvider, wrapped []byte) ([]byte, error) {
	var dataKey []byte
	err := p.WithMasterKey(func(master []byte) error {
		var err error
		dataKey, err = Unwrap(wrapped, master)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dataKey, nil
}

// WrapDataKey seals a vault data key against the provider.
func WrapDataKey(p MasterKeyProvider, dataKey []byte) ([]byte, error) {
	var wrapped []byte
	err := p.WithMasterKey(func(master []byte) error {
		var err error
		wrapped, err = Wrap(dataKey, master)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
