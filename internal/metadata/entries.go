package metadata

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// aliasEncoding is unpadded Base32; 10 random bytes give a 16-char alias.
var aliasEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateAlias returns a fresh random Base32 alias.
func GenerateAlias() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate alias: %w", err)
	}
	return aliasEncoding.EncodeToString(raw), nil
}

func pathKey(vaultID uint64, path string) []byte {
	return compositeKey(vaultID, paths.MakeAbsolute(path))
}

func childKey(parentID uint64, name string) []byte {
	return compositeKey(parentID, name)
}

// putEntry writes the row and all three indexes. Callers resolve collisions
// first.
func (tx *Tx) putEntry(e *Entry) error {
	if err := putJSON(tx.tx.Bucket(entriesBucket), itob(e.ID), e); err != nil {
		return err
	}
	if err := tx.tx.Bucket(entriesByPathBucket).Put(pathKey(e.VaultID, e.Path), itob(e.ID)); err != nil {
		return err
	}
	if err := tx.tx.Bucket(entriesByAliasBucket).Put([]byte(e.Alias), itob(e.ID)); err != nil {
		return err
	}
	if e.ID == RootEntryID {
		return nil
	}
	return tx.tx.Bucket(entriesByParentBucket).Put(childKey(e.ParentID, e.Name), itob(e.ID))
}

func (tx *Tx) dropEntryIndexes(e *Entry) error {
	if err := tx.tx.Bucket(entriesByPathBucket).Delete(pathKey(e.VaultID, e.Path)); err != nil {
		return err
	}
	if err := tx.tx.Bucket(entriesByAliasBucket).Delete([]byte(e.Alias)); err != nil {
		return err
	}
	return tx.tx.Bucket(entriesByParentBucket).Delete(childKey(e.ParentID, e.Name))
}

// CreateEntry inserts a new entry, assigning its id and (if empty) alias.
// A (parent, name) or alias collision fails with errs.ErrAlreadyExists.
func (tx *Tx) CreateEntry(e *Entry) error {
	if e.Name == "" || e.Path == "" {
		return fmt.Errorf("entry needs name and path: %w", errs.ErrInvalidArgument)
	}
	if existing := tx.tx.Bucket(entriesByParentBucket).Get(childKey(e.ParentID, e.Name)); existing != nil {
		return fmt.Errorf("entry %q under parent %d: %w", e.Name, e.ParentID, errs.ErrAlreadyExists)
	}

	if e.Alias == "" {
		alias, err := GenerateAlias()
		if err != nil {
			return err
		}
		e.Alias = alias
	}
	if existing := tx.tx.Bucket(entriesByAliasBucket).Get([]byte(e.Alias)); existing != nil {
		return fmt.Errorf("alias %s: %w", e.Alias, errs.ErrAlreadyExists)
	}

	id, err := tx.tx.Bucket(entriesBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign entry id: %w", err)
	}
	e.ID = id

	now := time.Now().Unix()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	return tx.putEntry(e)
}

// UpdateEntry rewrites an existing entry, moving its indexes if the path,
// name, parent or vault changed. The alias is immutable.
func (tx *Tx) UpdateEntry(e *Entry) error {
	old, err := tx.GetEntry(e.ID)
	if err != nil {
		return err
	}
	if old.Alias != e.Alias {
		return fmt.Errorf("entry alias is immutable: %w", errs.ErrInvalidArgument)
	}
	if err := tx.dropEntryIndexes(old); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().Unix()
	return tx.putEntry(e)
}

// GetEntry fetches an entry by persistent id.
func (tx *Tx) GetEntry(id uint64) (*Entry, error) {
	var e Entry
	if err := getJSON(tx.tx.Bucket(entriesBucket), itob(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntryByPath resolves a vault-relative path.
func (tx *Tx) GetEntryByPath(vaultID uint64, path string) (*Entry, error) {
	id := tx.tx.Bucket(entriesByPathBucket).Get(pathKey(vaultID, path))
	if id == nil {
		return nil, errs.ErrNotFound
	}
	return tx.GetEntry(btoi(id))
}

// GetEntryByAlias resolves the globally unique alias.
func (tx *Tx) GetEntryByAlias(alias string) (*Entry, error) {
	id := tx.tx.Bucket(entriesByAliasBucket).Get([]byte(alias))
	if id == nil {
		return nil, errs.ErrNotFound
	}
	return tx.GetEntry(btoi(id))
}

// GetChild resolves a (parent, name) pair.
func (tx *Tx) GetChild(parentID uint64, name string) (*Entry, error) {
	id := tx.tx.Bucket(entriesByParentBucket).Get(childKey(parentID, name))
	if id == nil {
		return nil, errs.ErrNotFound
	}
	return tx.GetEntry(btoi(id))
}

// ListChildren returns the immediate children of a directory entry, sorted
// by name.
func (tx *Tx) ListChildren(parentID uint64) ([]*Entry, error) {
	prefix := itob(parentID)
	c := tx.tx.Bucket(entriesByParentBucket).Cursor()

	var out []*Entry
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		e, err := tx.GetEntry(btoi(v))
		if err != nil {
			return nil, fmt.Errorf("child row %d: %w", btoi(v), err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListEntriesByVault returns every entry belonging to a vault, sorted by path.
func (tx *Tx) ListEntriesByVault(vaultID uint64) ([]*Entry, error) {
	prefix := itob(vaultID)
	c := tx.tx.Bucket(entriesByPathBucket).Cursor()

	var out []*Entry
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		e, err := tx.GetEntry(btoi(v))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// DeleteEntry removes the row and its indexes. The caller maintains parent
// stats and any file/directory side rows in the same transaction.
func (tx *Tx) DeleteEntry(id uint64) error {
	e, err := tx.GetEntry(id)
	if err != nil {
		return err
	}
	if id == RootEntryID {
		return fmt.Errorf("cannot delete root: %w", errs.ErrInvalidArgument)
	}
	if err := tx.dropEntryIndexes(e); err != nil {
		return err
	}
	return tx.tx.Bucket(entriesBucket).Delete(itob(id))
}

// RewriteSubtreePaths rewrites the path of every descendant of oldPrefix to
// live under newPrefix (the moved entry itself is updated by the caller).
// Returns the updated descendant entries.
func (tx *Tx) RewriteSubtreePaths(vaultID uint64, oldPrefix, newPrefix string) ([]*Entry, error) {
	oldPrefix = paths.MakeAbsolute(oldPrefix)
	newPrefix = paths.MakeAbsolute(newPrefix)

	all, err := tx.ListEntriesByVault(vaultID)
	if err != nil {
		return nil, err
	}

	var updated []*Entry
	for _, e := range all {
		if e.Path == oldPrefix || !strings.HasPrefix(e.Path, oldPrefix+"/") {
			continue
		}
		if err := tx.dropEntryIndexes(e); err != nil {
			return nil, err
		}
		e.Path = newPrefix + strings.TrimPrefix(e.Path, oldPrefix)
		e.UpdatedAt = time.Now().Unix()
		if err := tx.putEntry(e); err != nil {
			return nil, err
		}
		updated = append(updated, e)
	}
	return updated, nil
}

// putDirectory writes a directories row.
func (tx *Tx) putDirectory(d *Directory) error {
	return putJSON(tx.tx.Bucket(directoriesBucket), itob(d.EntryID), d)
}

// GetDirectory fetches the aggregate row of a directory entry.
func (tx *Tx) GetDirectory(entryID uint64) (*Directory, error) {
	var d Directory
	if err := getJSON(tx.tx.Bucket(directoriesBucket), itob(entryID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDirectoryRow seeds the zeroed aggregate row for a new directory.
func (tx *Tx) CreateDirectoryRow(entryID uint64) error {
	return tx.putDirectory(&Directory{EntryID: entryID})
}

// DeleteDirectoryRow removes the aggregate row of a deleted directory.
func (tx *Tx) DeleteDirectoryRow(entryID uint64) error {
	return tx.tx.Bucket(directoriesBucket).Delete(itob(entryID))
}

// ApplyChildDelta adjusts a directory's aggregates after a child change and
// propagates the size delta up the parent chain, child to root, in the same
// transaction.
func (tx *Tx) ApplyChildDelta(dirID uint64, sizeDelta, fileDelta, subdirDelta int64) error {
	d, err := tx.GetDirectory(dirID)
	if err != nil {
		return fmt.Errorf("directory row %d: %w", dirID, err)
	}
	d.SizeBytes = addClamped(d.SizeBytes, sizeDelta)
	d.FileCount = addClamped(d.FileCount, fileDelta)
	d.SubdirCount = addClamped(d.SubdirCount, subdirDelta)
	if err := tx.putDirectory(d); err != nil {
		return err
	}
	if sizeDelta == 0 {
		return nil
	}

	cur, err := tx.GetEntry(dirID)
	if err != nil {
		return err
	}
	for cur.ParentID != 0 {
		parent, err := tx.GetEntry(cur.ParentID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("entry %d has dangling parent %d: %w", cur.ID, cur.ParentID, errs.ErrCorrupt)
			}
			return err
		}
		pd, err := tx.GetDirectory(parent.ID)
		if err != nil {
			return fmt.Errorf("directory row %d: %w", parent.ID, err)
		}
		pd.SizeBytes = addClamped(pd.SizeBytes, sizeDelta)
		if err := tx.putDirectory(pd); err != nil {
			return err
		}
		cur = parent
	}
	return nil
}

func addClamped(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	d := uint64(-delta)
	if d > base {
		return 0
	}
	return base - d
}
