package metadata

import (
	"fmt"
	"sort"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

func cacheFileKey(vaultID, fileID uint64, typ CacheType) []byte {
	return append(append(itob(vaultID), itob(fileID)...), []byte(typ)...)
}

// UpsertCacheIndex inserts or refreshes the row describing a byte-resident
// copy of a file.
func (tx *Tx) UpsertCacheIndex(ci *CacheIndex) error {
	if ci.Path == "" {
		return fmt.Errorf("cache index needs a path: %w", errs.ErrInvalidArgument)
	}

	byFile := tx.tx.Bucket(cacheByFileBucket)
	if existing := byFile.Get(cacheFileKey(ci.VaultID, ci.FileID, ci.Type)); existing != nil {
		ci.ID = btoi(existing)
	} else {
		id, err := tx.tx.Bucket(cacheIndexBucket).NextSequence()
		if err != nil {
			return fmt.Errorf("assign cache index id: %w", err)
		}
		ci.ID = id
	}

	if ci.LastAccessed == 0 {
		ci.LastAccessed = time.Now().Unix()
	}
	if err := putJSON(tx.tx.Bucket(cacheIndexBucket), itob(ci.ID), ci); err != nil {
		return err
	}
	return byFile.Put(cacheFileKey(ci.VaultID, ci.FileID, ci.Type), itob(ci.ID))
}

// GetCacheIndex fetches a cache row by id.
func (tx *Tx) GetCacheIndex(id uint64) (*CacheIndex, error) {
	var ci CacheIndex
	if err := getJSON(tx.tx.Bucket(cacheIndexBucket), itob(id), &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// GetCacheIndexByFile resolves the cache row of a (vault, file, lane) triple.
func (tx *Tx) GetCacheIndexByFile(vaultID, fileID uint64, typ CacheType) (*CacheIndex, error) {
	id := tx.tx.Bucket(cacheByFileBucket).Get(cacheFileKey(vaultID, fileID, typ))
	if id == nil {
		return nil, errs.ErrNotFound
	}
	return tx.GetCacheIndex(btoi(id))
}

// DeleteCacheIndex removes a cache row and its file index.
func (tx *Tx) DeleteCacheIndex(id uint64) error {
	ci, err := tx.GetCacheIndex(id)
	if err != nil {
		return err
	}
	if err := tx.tx.Bucket(cacheByFileBucket).Delete(cacheFileKey(ci.VaultID, ci.FileID, ci.Type)); err != nil {
		return err
	}
	return tx.tx.Bucket(cacheIndexBucket).Delete(itob(id))
}

// ListCacheIndices returns the cache rows of a vault, optionally restricted
// to one lane.
func (tx *Tx) ListCacheIndices(vaultID uint64, typ CacheType) ([]*CacheIndex, error) {
	var out []*CacheIndex
	err := tx.tx.Bucket(cacheIndexBucket).ForEach(func(k, _ []byte) error {
		var ci CacheIndex
		if err := getJSON(tx.tx.Bucket(cacheIndexBucket), k, &ci); err != nil {
			return err
		}
		if ci.VaultID != vaultID {
			return nil
		}
		if typ != "" && ci.Type != typ {
			return nil
		}
		out = append(out, &ci)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NLargestCacheIndices returns the n biggest rows of a lane, largest first.
// The eviction loop doubles n until the purgeable sum covers what it needs.
func (tx *Tx) NLargestCacheIndices(n int, vaultID uint64, typ CacheType) ([]*CacheIndex, error) {
	all, err := tx.ListCacheIndices(vaultID, typ)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Size > all[j].Size })
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

// CountCacheIndices counts the rows of a lane.
func (tx *Tx) CountCacheIndices(vaultID uint64, typ CacheType) (int, error) {
	all, err := tx.ListCacheIndices(vaultID, typ)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// SumCacheSize totals the byte footprint of a lane.
func (tx *Tx) SumCacheSize(vaultID uint64, typ CacheType) (uint64, error) {
	all, err := tx.ListCacheIndices(vaultID, typ)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, ci := range all {
		sum += ci.Size
	}
	return sum, nil
}

// TouchCacheIndex refreshes the last-accessed stamp used by expiry pruning.
func (tx *Tx) TouchCacheIndex(id uint64) error {
	ci, err := tx.GetCacheIndex(id)
	if err != nil {
		return err
	}
	ci.LastAccessed = time.Now().Unix()
	return putJSON(tx.tx.Bucket(cacheIndexBucket), itob(id), ci)
}

// ListExpiredCacheIndices returns rows whose last access is older than the
// cutoff, for the lane-expiry sweep.
func (tx *Tx) ListExpiredCacheIndices(vaultID uint64, typ CacheType, cutoff int64) ([]*CacheIndex, error) {
	all, err := tx.ListCacheIndices(vaultID, typ)
	if err != nil {
		return nil, err
	}
	var out []*CacheIndex
	for _, ci := range all {
		if ci.LastAccessed < cutoff {
			out = append(out, ci)
		}
	}
	return out, nil
}
