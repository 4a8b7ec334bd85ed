package metadata

import (
	"fmt"
	"sort"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// CreateVault inserts a vault row, assigning its id.
func (tx *Tx) CreateVault(v *Vault) error {
	if v.Name == "" || v.MountPoint == "" {
		return fmt.Errorf("vault needs name and mount point: %w", errs.ErrInvalidArgument)
	}
	id, err := tx.tx.Bucket(vaultsBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign vault id: %w", err)
	}
	v.ID = id
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().Unix()
	}
	return putJSON(tx.tx.Bucket(vaultsBucket), itob(id), v)
}

// UpdateVault rewrites a vault row.
func (tx *Tx) UpdateVault(v *Vault) error {
	if _, err := tx.GetVault(v.ID); err != nil {
		return err
	}
	return putJSON(tx.tx.Bucket(vaultsBucket), itob(v.ID), v)
}

// GetVault fetches a vault by id.
func (tx *Tx) GetVault(id uint64) (*Vault, error) {
	var v Vault
	if err := getJSON(tx.tx.Bucket(vaultsBucket), itob(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVaults returns all vaults sorted by id.
func (tx *Tx) ListVaults() ([]*Vault, error) {
	var out []*Vault
	err := tx.tx.Bucket(vaultsBucket).ForEach(func(k, _ []byte) error {
		var v Vault
		if err := getJSON(tx.tx.Bucket(vaultsBucket), k, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteVault removes the vault row plus its s3 extension, sync policy and
// key rows. Callers remove the vault's entries first.
func (tx *Tx) DeleteVault(id uint64) error {
	if _, err := tx.GetVault(id); err != nil {
		return err
	}
	if err := tx.tx.Bucket(vaultsBucket).Delete(itob(id)); err != nil {
		return err
	}
	if err := tx.tx.Bucket(s3VaultsBucket).Delete(itob(id)); err != nil {
		return err
	}
	if err := tx.tx.Bucket(syncPolicyBucket).Delete(itob(id)); err != nil {
		return err
	}
	return tx.tx.Bucket(vaultKeysBucket).Delete(itob(id))
}

// PutS3Vault writes the s3 extension row of a vault.
func (tx *Tx) PutS3Vault(s *S3Vault) error {
	return putJSON(tx.tx.Bucket(s3VaultsBucket), itob(s.VaultID), s)
}

// GetS3Vault fetches the s3 extension row.
func (tx *Tx) GetS3Vault(vaultID uint64) (*S3Vault, error) {
	var s S3Vault
	if err := getJSON(tx.tx.Bucket(s3VaultsBucket), itob(vaultID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PutSyncPolicy writes the per-vault sync configuration row.
func (tx *Tx) PutSyncPolicy(p *SyncPolicy) error {
	return putJSON(tx.tx.Bucket(syncPolicyBucket), itob(p.VaultID), p)
}

// GetSyncPolicy fetches the sync configuration of a vault.
func (tx *Tx) GetSyncPolicy(vaultID uint64) (*SyncPolicy, error) {
	var p SyncPolicy
	if err := getJSON(tx.tx.Bucket(syncPolicyBucket), itob(vaultID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateAPIKey inserts an api key row, assigning its id. The secret must
// already be ciphertext.
func (tx *Tx) CreateAPIKey(k *APIKey) error {
	if len(k.EncryptedSecret) == 0 || k.IV == "" {
		return fmt.Errorf("api key secret must be stored encrypted: %w", errs.ErrInvalidArgument)
	}
	id, err := tx.tx.Bucket(apiKeysBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign api key id: %w", err)
	}
	k.ID = id
	return putJSON(tx.tx.Bucket(apiKeysBucket), itob(id), k)
}

// GetAPIKey fetches an api key by id. The Secret field is left empty; callers
// decrypt on demand and must clear it after use.
func (tx *Tx) GetAPIKey(id uint64) (*APIKey, error) {
	var k APIKey
	if err := getJSON(tx.tx.Bucket(apiKeysBucket), itob(id), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// DeleteAPIKey removes an api key row.
func (tx *Tx) DeleteAPIKey(id uint64) error {
	return tx.tx.Bucket(apiKeysBucket).Delete(itob(id))
}
