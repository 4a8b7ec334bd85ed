package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/s3"
)

// RemoteFile is one remote object as seen through LIST + HEAD.
type RemoteFile struct {
	Path       string // "/"-rooted vault-relative
	Size       uint64 // stored size: plaintext + tag when encrypted upstream
	ETag       string
	UpdatedAt  int64
	Hash       string // x-amz-meta-content-hash, may be empty
	IV         string // x-amz-meta-encryption-iv, may be empty
	KeyVersion uint32
}

// CloudEngine keeps plaintext copies in the cache lanes and mirrors content
// to a path-keyed S3 bucket, encrypting upstream when the vault demands it.
type CloudEngine struct {
	store   *metadata.Store
	vault   *metadata.Vault
	s3vault *metadata.S3Vault
	paths   *paths.Path
	keys    *KeyRing
	ctl     *s3.Controller
	log     *slog.Logger
}

func NewCloudEngine(store *metadata.Store, vault *metadata.Vault, s3vault *metadata.S3Vault, p *paths.Path, keys *KeyRing, ctl *s3.Controller, log *slog.Logger) *CloudEngine {
	return &CloudEngine{store: store, vault: vault, s3vault: s3vault, paths: p, keys: keys, ctl: ctl, log: log}
}

// Controller exposes the wire client for the sync engine.
func (c *CloudEngine) Controller() *s3.Controller { return c.ctl }

// EncryptUpstream reports whether remote bytes must be ciphertext.
func (c *CloudEngine) EncryptUpstream() bool { return c.s3vault.EncryptUpstream }

func (c *CloudEngine) cachePath(alias string) (string, error) {
	return c.paths.Abs(alias, paths.FileCacheRoot)
}

func remoteKey(path string) string { return paths.StripLeadingSlash(path) }

// ReadFile serves plaintext from the cache lane, downloading on a miss.
func (c *CloudEngine) ReadFile(ctx context.Context, entry *metadata.Entry, file *metadata.File) ([]byte, error) {
	abs, err := c.cachePath(entry.Alias)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(abs); err == nil {
		c.touchCache(entry.ID)
		return data, nil
	}

	if _, err := c.DownloadFile(ctx, entry.Path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read cached %s: %w", entry.Path, errs.ErrFatalIO)
	}
	return data, nil
}

// WriteFile caches the plaintext locally, uploads (ciphertext when
// encrypt_upstream) with the required user metadata, and records the file row
// with stats propagation in one transaction.
func (c *CloudEngine) WriteFile(ctx context.Context, entry *metadata.Entry, plaintext []byte) (*metadata.File, error) {
	abs, err := c.cachePath(entry.Alias)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(abs, plaintext); err != nil {
		return nil, err
	}

	file := &metadata.File{
		EntryID:     entry.ID,
		SizeBytes:   uint64(len(plaintext)),
		MimeType:    paths.InferMimeType(entry.Path),
		ContentHash: hashHex(plaintext),
	}
	if err := c.uploadBytes(ctx, entry, file, plaintext); err != nil {
		return nil, err
	}

	if err := recordFileWrite(c.store, entry, file); err != nil {
		return nil, err
	}
	err = c.store.Update(func(tx *metadata.Tx) error {
		return tx.UpsertCacheIndex(&metadata.CacheIndex{
			VaultID: c.vault.ID,
			FileID:  entry.ID,
			Path:    abs,
			Type:    metadata.CacheFile,
			Size:    uint64(len(plaintext)),
		})
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Upload pushes the cached bytes of an existing file to the remote, used by
// the sync engine for local-only files. The file row's encryption metadata is
// refreshed to match what was uploaded.
func (c *CloudEngine) Upload(ctx context.Context, entry *metadata.Entry, file *metadata.File) error {
	plaintext, err := c.readLocalPlaintext(entry, file)
	if err != nil {
		return err
	}
	if file.ContentHash == "" {
		file.ContentHash = hashHex(plaintext)
	}
	if err := c.uploadBytes(ctx, entry, file, plaintext); err != nil {
		return err
	}
	return c.store.Update(func(tx *metadata.Tx) error {
		return tx.SetFileEncryptionMeta(entry.ID, file.EncryptionIV, file.KeyVersion, file.ContentHash)
	})
}

// uploadBytes encrypts when required and PUTs with the content-hash,
// encryption-iv and key-version user metadata. It mutates file's encryption
// fields to reflect the uploaded form.
func (c *CloudEngine) uploadBytes(ctx context.Context, entry *metadata.Entry, file *metadata.File, plaintext []byte) error {
	payload := plaintext
	file.EncryptionIV = ""
	file.KeyVersion = 0

	if c.s3vault.EncryptUpstream {
		key, version, err := c.keys.Current()
		if err != nil {
			return err
		}
		ciphertext, iv, err := crypto.Encrypt(plaintext, key)
		if err != nil {
			return err
		}
		payload = ciphertext
		file.EncryptionIV = crypto.EncodeIV(iv)
		file.KeyVersion = version
	}

	meta := s3.ObjectMetadata(file.ContentHash, file.EncryptionIV, file.KeyVersion)
	return c.ctl.UploadBuffer(ctx, remoteKey(entry.Path), payload, meta)
}

// readLocalPlaintext prefers the cache copy; a cache miss falls back to the
// alias-keyed backing object, decrypting by the recorded key version.
func (c *CloudEngine) readLocalPlaintext(entry *metadata.Entry, file *metadata.File) ([]byte, error) {
	abs, err := c.cachePath(entry.Alias)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(abs); err == nil {
		return data, nil
	}

	backing, err := c.paths.Abs(entry.Alias, paths.BackingVaultRoot)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(backing)
	if err != nil {
		return nil, fmt.Errorf("no local bytes for %s: %w", entry.Path, errs.ErrNotFound)
	}
	if file.Encrypted() {
		return decryptFile(c.keys, file, data)
	}
	return data, nil
}

// DownloadFile fetches a remote object, verifies and decrypts it per its
// metadata, writes the plaintext into the file cache lane and records the
// cache-index row. The entry and file rows are created if the object was
// discovered remotely.
func (c *CloudEngine) DownloadFile(ctx context.Context, relPath string) (*metadata.File, error) {
	relPath = paths.MakeAbsolute(relPath)

	head, err := c.ctl.HeadObject(ctx, remoteKey(relPath))
	if err != nil {
		return nil, err
	}
	raw, err := c.ctl.DownloadBuffer(ctx, remoteKey(relPath))
	if err != nil {
		return nil, err
	}

	plaintext := raw
	ivB64 := head.Metadata[s3.MetaEncryptionIV]
	var keyVersion uint32
	if v := head.Metadata[s3.MetaKeyVersion]; v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			keyVersion = uint32(n)
		}
	}
	if ivB64 != "" {
		key, err := c.keys.ByVersion(keyVersion)
		if err != nil {
			return nil, err
		}
		iv, err := crypto.DecodeIV(ivB64)
		if err != nil {
			return nil, err
		}
		plaintext, err = crypto.Decrypt(raw, key, iv)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", relPath, err)
		}
	}

	entry, file, err := c.materializeRows(relPath, uint64(len(plaintext)), head.Metadata[s3.MetaContentHash], ivB64, keyVersion)
	if err != nil {
		return nil, err
	}

	abs, err := c.cachePath(entry.Alias)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(abs, plaintext); err != nil {
		return nil, err
	}

	err = c.store.Update(func(tx *metadata.Tx) error {
		return tx.UpsertCacheIndex(&metadata.CacheIndex{
			VaultID: c.vault.ID,
			FileID:  entry.ID,
			Path:    abs,
			Type:    metadata.CacheFile,
			Size:    uint64(len(plaintext)),
		})
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// IndexAndDeleteFile registers that a file exists remotely without holding
// bytes locally: the rows are written, any cache copy is dropped.
func (c *CloudEngine) IndexAndDeleteFile(ctx context.Context, relPath string) error {
	relPath = paths.MakeAbsolute(relPath)

	head, err := c.ctl.HeadObject(ctx, remoteKey(relPath))
	if err != nil {
		return err
	}

	size := uint64(head.Size)
	ivB64 := head.Metadata[s3.MetaEncryptionIV]
	if ivB64 != "" && size >= crypto.TagSize {
		size -= crypto.TagSize // stored size counts the GCM tag
	}
	var keyVersion uint32
	if v := head.Metadata[s3.MetaKeyVersion]; v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			keyVersion = uint32(n)
		}
	}

	entry, _, err := c.materializeRows(relPath, size, head.Metadata[s3.MetaContentHash], ivB64, keyVersion)
	if err != nil {
		return err
	}

	if abs, err := c.cachePath(entry.Alias); err == nil {
		if err := removeIfExists(abs); err != nil {
			return err
		}
	}
	return dropCacheRow(c.store, c.vault.ID, entry.ID, metadata.CacheFile)
}

// materializeRows upserts the entry + file rows for a remotely discovered
// object, maintaining parent stats for new files.
func (c *CloudEngine) materializeRows(relPath string, size uint64, hash, ivB64 string, keyVersion uint32) (*metadata.Entry, *metadata.File, error) {
	var entry *metadata.Entry
	var file *metadata.File

	err := c.store.Update(func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.GetEntryByPath(c.vault.ID, relPath)
		if errors.Is(err, errs.ErrNotFound) {
			parent, perr := tx.GetEntryByPath(c.vault.ID, paths.ResolveParent(relPath))
			if perr != nil {
				return fmt.Errorf("parent of %s: %w", relPath, perr)
			}
			entry = &metadata.Entry{
				ParentID: parent.ID,
				VaultID:  c.vault.ID,
				Kind:     metadata.KindFile,
				Name:     relPath[strings.LastIndex(relPath, "/")+1:],
				Path:     relPath,
				Mode:     0644,
				OwnerUID: uint32(os.Getuid()),
				GroupGID: uint32(os.Getgid()),
			}
			if err := tx.CreateEntry(entry); err != nil {
				return err
			}
			if err := tx.ApplyChildDelta(parent.ID, int64(size), 1, 0); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			var oldSize uint64
			if old, err := tx.GetFile(entry.ID); err == nil {
				oldSize = old.SizeBytes
			}
			if delta := int64(size) - int64(oldSize); delta != 0 && entry.ParentID != 0 {
				if err := tx.ApplyChildDelta(entry.ParentID, delta, 0, 0); err != nil {
					return err
				}
			}
		}

		file = &metadata.File{
			EntryID:      entry.ID,
			SizeBytes:    size,
			MimeType:     paths.InferMimeType(relPath),
			ContentHash:  hash,
			EncryptionIV: ivB64,
			KeyVersion:   keyVersion,
			UpdatedAt:    time.Now().Unix(),
		}
		return tx.UpsertFile(file)
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, file, nil
}

// Rename rewrites the path-keyed remote object with a server-side copy and
// deletes the old key. Alias-keyed cache bytes stay put.
func (c *CloudEngine) Rename(ctx context.Context, _ *metadata.Entry, oldPath, newPath string) error {
	if err := c.ctl.CopyObject(ctx, remoteKey(newPath), remoteKey(oldPath)); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil // never uploaded yet; nothing to move
		}
		return err
	}
	return c.ctl.DeleteObject(ctx, remoteKey(oldPath))
}

// CopyBytes duplicates the remote object server-side and the cache copy
// locally.
func (c *CloudEngine) CopyBytes(ctx context.Context, src, dst *metadata.Entry) error {
	if err := c.ctl.CopyObject(ctx, remoteKey(dst.Path), remoteKey(src.Path)); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	srcAbs, err := c.cachePath(src.Alias)
	if err != nil {
		return err
	}
	if data, err := os.ReadFile(srcAbs); err == nil {
		dstAbs, err := c.cachePath(dst.Alias)
		if err != nil {
			return err
		}
		return writeFileAtomic(dstAbs, data)
	}
	return nil
}

// removeLocally deletes the cached bytes of a trashed file; the remote object
// is handled by the trash worker.
func (c *CloudEngine) removeLocally(_ context.Context, t *metadata.TrashedFile) error {
	if err := removeIfExists(t.BackingPath); err != nil {
		return err
	}
	return removeCacheLanes(c.paths, t.Alias)
}

// RemoveRemote deletes the remote object of a trashed file. Idempotent.
func (c *CloudEngine) RemoveRemote(ctx context.Context, t *metadata.TrashedFile) error {
	if t.RemoteKey == "" {
		return nil
	}
	return c.ctl.DeleteObject(ctx, t.RemoteKey)
}

// RemoteContentHash reads the content-hash user metadata of a remote object.
func (c *CloudEngine) RemoteContentHash(ctx context.Context, relPath string) (string, error) {
	head, err := c.ctl.HeadObject(ctx, remoteKey(relPath))
	if err != nil {
		return "", err
	}
	return head.Metadata[s3.MetaContentHash], nil
}

// GroupedFilesFromS3 lists the bucket under the vault's prefix and returns a
// path -> RemoteFile map keyed on the "/"-rooted relative path.
func (c *CloudEngine) GroupedFilesFromS3(ctx context.Context, prefix string) (map[string]*RemoteFile, error) {
	raw, err := c.ctl.ListObjectsXML(ctx, prefix)
	if err != nil {
		return nil, err
	}
	result, err := s3.ParseListBucketResult(raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*RemoteFile, len(result.Contents))
	for _, obj := range result.Contents {
		if strings.HasSuffix(obj.Key, "/") {
			continue // directory marker
		}
		rel := paths.MakeAbsolute(obj.Key)
		out[rel] = &RemoteFile{
			Path:      rel,
			Size:      uint64(obj.Size),
			ETag:      strings.Trim(obj.ETag, `"`),
			UpdatedAt: obj.ModTime().Unix(),
		}
	}
	return out, nil
}

// ExtractDirectories derives the minimum set of ancestor directories implied
// by a flat key listing, shallowest first.
func ExtractDirectories(filePaths []string) []string {
	seen := make(map[string]bool)
	for _, p := range filePaths {
		for dir := paths.ResolveParent(paths.MakeAbsolute(p)); dir != "/"; dir = paths.ResolveParent(dir) {
			seen[dir] = true
		}
	}
	out := make([]string, 0, len(seen))
	for dir := range seen {
		out = append(out, dir)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

func (c *CloudEngine) touchCache(fileID uint64) {
	err := c.store.Update(func(tx *metadata.Tx) error {
		ci, err := tx.GetCacheIndexByFile(c.vault.ID, fileID, metadata.CacheFile)
		if err != nil {
			return nil
		}
		return tx.TouchCacheIndex(ci.ID)
	})
	if err != nil {
		c.log.Debug("touch cache index failed", "file_id", fileID, "error", err)
	}
}

func (c *CloudEngine) purgeThumbnails(_ context.Context, entry *metadata.Entry) error {
	abs, err := c.paths.Abs(entry.Alias, paths.ThumbnailRoot)
	if err != nil {
		return err
	}
	if err := removeIfExists(abs); err != nil {
		return err
	}
	return dropCacheRow(c.store, c.vault.ID, entry.ID, metadata.CacheThumbnail)
}

func (c *CloudEngine) Close() { c.keys.Close() }
