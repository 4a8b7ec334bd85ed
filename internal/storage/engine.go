// Package storage owns the byte plane: reading, writing, moving and deleting
// file content against the local backing filesystem or an S3 bucket, with
// per-vault envelope encryption applied at write time and after download.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// Engine is the tagged variant over the two backends. Exactly one of Local
// and Cloud is set; adding an engine type means extending this struct and the
// dispatch methods below.
type Engine struct {
	Local *LocalEngine
	Cloud *CloudEngine
}

// Vault returns the owning vault row.
func (e *Engine) Vault() *metadata.Vault {
	if e.Cloud != nil {
		return e.Cloud.vault
	}
	return e.Local.vault
}

// Paths returns the per-vault path model.
func (e *Engine) Paths() *paths.Path {
	if e.Cloud != nil {
		return e.Cloud.paths
	}
	return e.Local.paths
}

// Kind reports the backend variant.
func (e *Engine) Kind() metadata.VaultType {
	if e.Cloud != nil {
		return metadata.VaultS3
	}
	return metadata.VaultLocal
}

// ReadFile returns the plaintext bytes of a file entry, decrypting when the
// file row records an IV.
func (e *Engine) ReadFile(ctx context.Context, entry *metadata.Entry, file *metadata.File) ([]byte, error) {
	if e.Cloud != nil {
		return e.Cloud.ReadFile(ctx, entry, file)
	}
	return e.Local.ReadFile(ctx, entry, file)
}

// WriteFile persists plaintext bytes for a file entry: encrypts under the
// vault's current key when the vault requires it, writes the backing bytes,
// and records size, hash, iv and key version in the metadata store.
func (e *Engine) WriteFile(ctx context.Context, entry *metadata.Entry, plaintext []byte) (*metadata.File, error) {
	if e.Cloud != nil {
		return e.Cloud.WriteFile(ctx, entry, plaintext)
	}
	return e.Local.WriteFile(ctx, entry, plaintext)
}

// Rename reacts to a path change. Bytes on disk are alias-keyed and never
// move; the cloud variant rewrites the path-keyed remote object.
func (e *Engine) Rename(ctx context.Context, entry *metadata.Entry, oldPath, newPath string) error {
	if e.Cloud != nil {
		return e.Cloud.Rename(ctx, entry, oldPath, newPath)
	}
	return nil
}

// CopyBytes duplicates the backing bytes of src under dst's alias (and, for
// cloud vaults, under dst's remote key).
func (e *Engine) CopyBytes(ctx context.Context, src, dst *metadata.Entry) error {
	if e.Cloud != nil {
		return e.Cloud.CopyBytes(ctx, src, dst)
	}
	return e.Local.CopyBytes(ctx, src, dst)
}

// RemoveLocal deletes the locally resident bytes of a trashed file: backing
// object, cache copy and thumbnails.
func (e *Engine) RemoveLocal(ctx context.Context, t *metadata.TrashedFile) error {
	if e.Cloud != nil {
		return e.Cloud.removeLocally(ctx, t)
	}
	return e.Local.Remove(ctx, t)
}

// FreeSpace reports the free bytes of the filesystem backing the vault.
func (e *Engine) FreeSpace() (uint64, error) {
	base, err := e.Paths().Base(paths.BackingVaultRoot)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return 0, fmt.Errorf("ensure backing root: %w", errs.ErrFatalIO)
	}
	return freeSpace(base)
}

// VaultSize reads the aggregate size from the vault root's directories row.
func (e *Engine) VaultSize(store *metadata.Store) (uint64, error) {
	var size uint64
	err := store.View(func(tx *metadata.Tx) error {
		root, err := tx.GetEntryByPath(e.Vault().ID, "/")
		if err != nil {
			return err
		}
		d, err := tx.GetDirectory(root.ID)
		if err != nil {
			return err
		}
		size = d.SizeBytes
		return nil
	})
	return size, err
}

// CacheSize totals the vault's cache-index footprint.
func (e *Engine) CacheSize(store *metadata.Store) (uint64, error) {
	var size uint64
	err := store.View(func(tx *metadata.Tx) error {
		files, err := tx.SumCacheSize(e.Vault().ID, metadata.CacheFile)
		if err != nil {
			return err
		}
		thumbs, err := tx.SumCacheSize(e.Vault().ID, metadata.CacheThumbnail)
		if err != nil {
			return err
		}
		size = files + thumbs
		return nil
	})
	return size, err
}

// PurgeThumbnails drops the thumbnail bytes and index row of a file entry.
func (e *Engine) PurgeThumbnails(ctx context.Context, entry *metadata.Entry) error {
	if e.Cloud != nil {
		return e.Cloud.purgeThumbnails(ctx, entry)
	}
	return e.Local.purgeThumbnails(ctx, entry)
}

// Close releases key material.
func (e *Engine) Close() {
	if e.Cloud != nil {
		e.Cloud.Close()
		return
	}
	e.Local.Close()
}

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, errs.ErrFatalIO)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// hashHex is the lowercase hex SHA-256 used for content hashes everywhere.
func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
