package metadata

import (
	"fmt"
	"sort"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// UpsertFile writes the payload row of a file entry.
func (tx *Tx) UpsertFile(f *File) error {
	if f.EntryID == 0 {
		return fmt.Errorf("file row needs entry id: %w", errs.ErrInvalidArgument)
	}
	if f.UpdatedAt == 0 {
		f.UpdatedAt = time.Now().Unix()
	}
	return putJSON(tx.tx.Bucket(filesBucket), itob(f.EntryID), f)
}

// GetFile fetches the payload row of a file entry.
func (tx *Tx) GetFile(entryID uint64) (*File, error) {
	var f File
	if err := getJSON(tx.tx.Bucket(filesBucket), itob(entryID), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFile removes the payload row.
func (tx *Tx) DeleteFile(entryID uint64) error {
	return tx.tx.Bucket(filesBucket).Delete(itob(entryID))
}

// SetFileEncryptionMeta records iv, key version and plaintext hash after an
// (re-)encryption pass.
func (tx *Tx) SetFileEncryptionMeta(entryID uint64, ivB64 string, keyVersion uint32, contentHash string) error {
	f, err := tx.GetFile(entryID)
	if err != nil {
		return err
	}
	f.EncryptionIV = ivB64
	f.KeyVersion = keyVersion
	if contentHash != "" {
		f.ContentHash = contentHash
	}
	f.UpdatedAt = time.Now().Unix()
	return tx.UpsertFile(f)
}

// ListFilesByVault returns every file entry of a vault with its payload row,
// sorted by path.
func (tx *Tx) ListFilesByVault(vaultID uint64) ([]*Entry, map[uint64]*File, error) {
	entries, err := tx.ListEntriesByVault(vaultID)
	if err != nil {
		return nil, nil, err
	}

	var files []*Entry
	rows := make(map[uint64]*File)
	for _, e := range entries {
		if e.Kind != KindFile {
			continue
		}
		f, err := tx.GetFile(e.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("file row for entry %d (%s): %w", e.ID, e.Path, errs.ErrCorrupt)
		}
		files = append(files, e)
		rows[e.ID] = f
	}
	return files, rows, nil
}

// ListFilesBelowKeyVersion returns file entry ids still encrypted with a key
// older than version; these are the re-encryption backlog during rotation.
func (tx *Tx) ListFilesBelowKeyVersion(vaultID uint64, version uint32) ([]uint64, error) {
	entries, rows, err := tx.ListFilesByVault(vaultID)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		f := rows[e.ID]
		if f.Encrypted() && f.KeyVersion < version {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

// InsertTrashedFile writes a tombstone row. DeletedAt stays 0 until the
// backing bytes are removed.
func (tx *Tx) InsertTrashedFile(t *TrashedFile) error {
	id, err := tx.tx.Bucket(trashedFilesBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign trash id: %w", err)
	}
	t.ID = id
	if t.TrashedAt == 0 {
		t.TrashedAt = time.Now().Unix()
	}
	return putJSON(tx.tx.Bucket(trashedFilesBucket), itob(id), t)
}

// GetTrashedFile fetches a tombstone by id.
func (tx *Tx) GetTrashedFile(id uint64) (*TrashedFile, error) {
	var t TrashedFile
	if err := getJSON(tx.tx.Bucket(trashedFilesBucket), itob(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPendingTrash returns tombstones whose backing bytes still exist,
// oldest first.
func (tx *Tx) ListPendingTrash(vaultID uint64) ([]*TrashedFile, error) {
	var out []*TrashedFile
	err := tx.tx.Bucket(trashedFilesBucket).ForEach(func(k, v []byte) error {
		var t TrashedFile
		if err := getJSON(tx.tx.Bucket(trashedFilesBucket), k, &t); err != nil {
			return err
		}
		if t.VaultID == vaultID && t.DeletedAt == 0 {
			out = append(out, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrashedAt < out[j].TrashedAt })
	return out, nil
}

// MarkTrashDeleted stamps DeletedAt once the backing object is gone.
func (tx *Tx) MarkTrashDeleted(id uint64) error {
	t, err := tx.GetTrashedFile(id)
	if err != nil {
		return err
	}
	t.DeletedAt = time.Now().Unix()
	return putJSON(tx.tx.Bucket(trashedFilesBucket), itob(id), t)
}
