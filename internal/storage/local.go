package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// LocalEngine stores file bytes alias-keyed under the vault's backing root.
type LocalEngine struct {
	store   *metadata.Store
	vault   *metadata.Vault
	paths   *paths.Path
	keys    *KeyRing
	encrypt bool
	log     *slog.Logger
}

func NewLocalEngine(store *metadata.Store, vault *metadata.Vault, p *paths.Path, keys *KeyRing, encrypt bool, log *slog.Logger) *LocalEngine {
	return &LocalEngine{store: store, vault: vault, paths: p, keys: keys, encrypt: encrypt, log: log}
}

func (l *LocalEngine) backingPath(entry *metadata.Entry) (string, error) {
	return l.paths.Abs(entry.Alias, paths.BackingVaultRoot)
}

// ReadFile returns plaintext bytes, selecting the data key by the file's
// recorded version when the stored bytes are ciphertext.
func (l *LocalEngine) ReadFile(_ context.Context, entry *metadata.Entry, file *metadata.File) ([]byte, error) {
	abs, err := l.backingPath(entry)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", entry.Path, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", entry.Path, errs.ErrFatalIO)
	}

	if !file.Encrypted() {
		return data, nil
	}
	return decryptFile(l.keys, file, data)
}

// WriteFile persists plaintext bytes and, in the same transaction, updates
// the file row and propagates the size delta up the parent chain.
func (l *LocalEngine) WriteFile(_ context.Context, entry *metadata.Entry, plaintext []byte) (*metadata.File, error) {
	stored := plaintext
	ivB64 := ""
	var version uint32

	if l.encrypt {
		key, v, err := l.keys.Current()
		if err != nil {
			return nil, err
		}
		ciphertext, iv, err := crypto.Encrypt(plaintext, key)
		if err != nil {
			return nil, err
		}
		stored, ivB64, version = ciphertext, crypto.EncodeIV(iv), v
	}

	abs, err := l.backingPath(entry)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(abs, stored); err != nil {
		return nil, err
	}

	file := &metadata.File{
		EntryID:      entry.ID,
		SizeBytes:    uint64(len(plaintext)),
		MimeType:     paths.InferMimeType(entry.Path),
		ContentHash:  hashHex(plaintext),
		EncryptionIV: ivB64,
		KeyVersion:   version,
	}
	if err := recordFileWrite(l.store, entry, file); err != nil {
		return nil, err
	}
	return file, nil
}

// CopyBytes duplicates the backing object of src under dst's alias. Both
// entries share the vault key, so the ciphertext copies verbatim.
func (l *LocalEngine) CopyBytes(_ context.Context, src, dst *metadata.Entry) error {
	srcAbs, err := l.backingPath(src)
	if err != nil {
		return err
	}
	dstAbs, err := l.backingPath(dst)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(srcAbs)
	if err != nil {
		return fmt.Errorf("read %s: %w", src.Path, errs.ErrNotFound)
	}
	return writeFileAtomic(dstAbs, data)
}

// Remove deletes the backing bytes plus any cache copies of a trashed file.
func (l *LocalEngine) Remove(_ context.Context, t *metadata.TrashedFile) error {
	if err := removeIfExists(t.BackingPath); err != nil {
		return err
	}
	return removeCacheLanes(l.paths, t.Alias)
}

func (l *LocalEngine) purgeThumbnails(_ context.Context, entry *metadata.Entry) error {
	abs, err := l.paths.Abs(entry.Alias, paths.ThumbnailRoot)
	if err != nil {
		return err
	}
	if err := removeIfExists(abs); err != nil {
		return err
	}
	return dropCacheRow(l.store, l.vault.ID, entry.ID, metadata.CacheThumbnail)
}

func (l *LocalEngine) Close() { l.keys.Close() }

// recordFileWrite upserts the file row and propagates the size delta in one
// transaction.
func recordFileWrite(store *metadata.Store, entry *metadata.Entry, file *metadata.File) error {
	return store.Update(func(tx *metadata.Tx) error {
		var oldSize int64
		if old, err := tx.GetFile(entry.ID); err == nil {
			oldSize = int64(old.SizeBytes)
		}
		if err := tx.UpsertFile(file); err != nil {
			return err
		}
		delta := int64(file.SizeBytes) - oldSize
		if delta == 0 || entry.ParentID == 0 {
			return nil
		}
		return tx.ApplyChildDelta(entry.ParentID, delta, 0, 0)
	})
}

func decryptFile(keys *KeyRing, file *metadata.File, stored []byte) ([]byte, error) {
	key, err := keys.ByVersion(file.KeyVersion)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.DecodeIV(file.EncryptionIV)
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(stored, key, iv)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", errs.ErrFatalIO)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp: %w", errs.ErrFatalIO)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write bytes: %w", errs.ErrFatalIO)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync: %w", errs.ErrFatalIO)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", errs.ErrFatalIO)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", errs.ErrFatalIO)
	}
	return nil
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, errs.ErrFatalIO)
	}
	return nil
}

// removeCacheLanes deletes both cache copies of an alias.
func removeCacheLanes(p *paths.Path, alias string) error {
	for _, lane := range []paths.Type{paths.FileCacheRoot, paths.ThumbnailRoot} {
		abs, err := p.Abs(alias, lane)
		if err != nil {
			return err
		}
		if err := removeIfExists(abs); err != nil {
			return err
		}
	}
	return nil
}

func dropCacheRow(store *metadata.Store, vaultID, fileID uint64, typ metadata.CacheType) error {
	return store.Update(func(tx *metadata.Tx) error {
		ci, err := tx.GetCacheIndexByFile(vaultID, fileID, typ)
		if err != nil {
			return nil // no row, nothing to drop
		}
		return tx.DeleteCacheIndex(ci.ID)
	})
}
