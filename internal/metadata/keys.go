package metadata

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// trashedKeyID builds the vault_keys_trashed key: <vault BE8><version BE8>.
func trashedKeyID(vaultID uint64, version uint32) []byte {
	return append(itob(vaultID), itob(uint64(version))...)
}

// CreateVaultKey installs the first data key of a vault at version 0.
func (tx *Tx) CreateVaultKey(vaultID uint64, wrapped []byte) (*VaultKey, error) {
	if existing := tx.tx.Bucket(vaultKeysBucket).Get(itob(vaultID)); existing != nil {
		return nil, fmt.Errorf("vault %d already has a data key: %w", vaultID, errs.ErrAlreadyExists)
	}
	key := &VaultKey{
		VaultID:   vaultID,
		Version:   0,
		Wrapped:   wrapped,
		CreatedAt: time.Now().Unix(),
	}
	if err := putJSON(tx.tx.Bucket(vaultKeysBucket), itob(vaultID), key); err != nil {
		return nil, err
	}
	return key, nil
}

// GetCurrentVaultKey returns the active data key of a vault.
func (tx *Tx) GetCurrentVaultKey(vaultID uint64) (*VaultKey, error) {
	var k VaultKey
	if err := getJSON(tx.tx.Bucket(vaultKeysBucket), itob(vaultID), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetVaultKeyByVersion resolves a key version against the current key first,
// then the trashed-keys table. Reads during rotation use this to select the
// key a file was encrypted with.
func (tx *Tx) GetVaultKeyByVersion(vaultID uint64, version uint32) (*VaultKey, error) {
	cur, err := tx.GetCurrentVaultKey(vaultID)
	if err == nil && cur.Version == version {
		return cur, nil
	}

	var t TrashedVaultKey
	if err := getJSON(tx.tx.Bucket(trashedVaultKeysBucket), trashedKeyID(vaultID, version), &t); err != nil {
		return nil, fmt.Errorf("vault %d key version %d: %w", vaultID, version, errs.ErrNotFound)
	}
	return &VaultKey{VaultID: t.VaultID, Version: t.Version, Wrapped: t.Wrapped}, nil
}

// BeginKeyRotation installs a new current key (version = previous + 1) and
// moves the old key to the trashed table with RotationCompletedAt unset.
// Returns the new current key.
func (tx *Tx) BeginKeyRotation(vaultID uint64, newWrapped []byte) (*VaultKey, error) {
	old, err := tx.GetCurrentVaultKey(vaultID)
	if err != nil {
		return nil, err
	}

	trashed := &TrashedVaultKey{
		VaultID:   old.VaultID,
		Version:   old.Version,
		Wrapped:   old.Wrapped,
		TrashedAt: time.Now().Unix(),
	}
	if err := putJSON(tx.tx.Bucket(trashedVaultKeysBucket), trashedKeyID(vaultID, old.Version), trashed); err != nil {
		return nil, err
	}

	next := &VaultKey{
		VaultID:   vaultID,
		Version:   old.Version + 1,
		Wrapped:   newWrapped,
		CreatedAt: time.Now().Unix(),
	}
	if err := putJSON(tx.tx.Bucket(vaultKeysBucket), itob(vaultID), next); err != nil {
		return nil, err
	}
	return next, nil
}

// CompleteKeyRotation stamps RotationCompletedAt on every trashed key of the
// vault still carrying the sentinel. Called once no file remains below the
// current version.
func (tx *Tx) CompleteKeyRotation(vaultID uint64) error {
	b := tx.tx.Bucket(trashedVaultKeysBucket)
	c := b.Cursor()
	prefix := itob(vaultID)
	now := time.Now().Unix()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var t TrashedVaultKey
		if err := getJSON(b, k, &t); err != nil {
			return err
		}
		if t.RotationCompletedAt != 0 {
			continue
		}
		t.RotationCompletedAt = now
		if err := putJSON(b, k, &t); err != nil {
			return err
		}
	}
	return nil
}

// RotationPending reports whether the vault has a trashed key whose rotation
// has not completed.
func (tx *Tx) RotationPending(vaultID uint64) (bool, error) {
	b := tx.tx.Bucket(trashedVaultKeysBucket)
	c := b.Cursor()
	prefix := itob(vaultID)

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var t TrashedVaultKey
		if err := getJSON(b, k, &t); err != nil {
			return false, err
		}
		if t.RotationCompletedAt == 0 {
			return true, nil
		}
	}
	return false, nil
}
