package storage

import (
	"fmt"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

// KeyRing resolves a vault's data keys by version, unwrapping them against
// the master key provider on first use. Unwrapped material is cached for the
// ring's lifetime and zeroed on Close.
type KeyRing struct {
	store    *metadata.Store
	provider crypto.MasterKeyProvider
	vaultID  uint64

	mu   sync.Mutex
	keys map[uint32][]byte
}

func NewKeyRing(store *metadata.Store, provider crypto.MasterKeyProvider, vaultID uint64) *KeyRing {
	return &KeyRing{
		store:    store,
		provider: provider,
		vaultID:  vaultID,
		keys:     make(map[uint32][]byte),
	}
}

// Current returns the active data key and its version.
func (r *KeyRing) Current() ([]byte, uint32, error) {
	var vk *metadata.VaultKey
	err := r.store.View(func(tx *metadata.Tx) error {
		var err error
		vk, err = tx.GetCurrentVaultKey(r.vaultID)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("current vault key: %w", err)
	}
	key, err := r.resolve(vk)
	return key, vk.Version, err
}

// ByVersion returns the data key a file was encrypted with; during rotation
// this may come from the trashed-keys table.
func (r *KeyRing) ByVersion(version uint32) ([]byte, error) {
	var vk *metadata.VaultKey
	err := r.store.View(func(tx *metadata.Tx) error {
		var err error
		vk, err = tx.GetVaultKeyByVersion(r.vaultID, version)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault key version %d: %w", version, err)
	}
	return r.resolve(vk)
}

func (r *KeyRing) resolve(vk *metadata.VaultKey) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[vk.Version]; ok {
		return key, nil
	}
	key, err := crypto.UnwrapDataKey(r.provider, vk.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key version %d: %w", vk.Version, err)
	}
	r.keys[vk.Version] = key
	return key, nil
}

// Close zeroes all cached key material.
func (r *KeyRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for v, key := range r.keys {
		crypto.Zero(key)
		delete(r.keys, v)
	}
}
