// Package fsops is the transactional join between the metadata store (rows)
// and the storage engine (bytes). Every mutating operation commits its row
// changes in one transaction, then drives the engine; mutations on
// overlapping paths are serialized per vault via a keyed mutex.
package fsops

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/registry"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// Ops composes the crypto-bearing engines, the store, and the entry registry
// into the operations the FUSE bridge calls.
type Ops struct {
	store    *metadata.Store
	manager  *storage.Manager
	registry *registry.Registry
	locks    *KeyedMutex
	log      *slog.Logger
}

func New(store *metadata.Store, manager *storage.Manager, reg *registry.Registry, log *slog.Logger) *Ops {
	return &Ops{
		store:    store,
		manager:  manager,
		registry: reg,
		locks:    NewKeyedMutex(),
		log:      log,
	}
}

// Manager exposes the storage manager for engine lookups.
func (o *Ops) Manager() *storage.Manager { return o.manager }

// Store exposes the metadata store for read paths.
func (o *Ops) Store() *metadata.Store { return o.store }

// resolveVault routes a mount path to its engine; mutations outside a vault
// are refused (only the synthetic read-only tree lives there).
func (o *Ops) resolveVault(mountPath string) (*storage.Engine, string, error) {
	engine, rel := o.manager.ResolveVault(mountPath)
	if engine == nil {
		return nil, "", fmt.Errorf("%s is outside every vault: %w", mountPath, errs.ErrPermissionDenied)
	}
	return engine, rel, nil
}

// CreateFile inserts the entry + file rows with parent stats in one
// transaction, commits, then materializes the backing bytes. If the bytes
// step fails after commit, the row is trashed so the next sync removes it.
func (o *Ops) CreateFile(ctx context.Context, mountPath string, uid, gid uint32, mode uint32, userID uint64) (*metadata.Entry, error) {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return nil, err
	}
	vaultID := engine.Vault().ID

	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	entry := &metadata.Entry{
		VaultID:    vaultID,
		Kind:       metadata.KindFile,
		Name:       baseName(rel),
		Path:       rel,
		Mode:       mode,
		OwnerUID:   uid,
		GroupGID:   gid,
		CreatedBy:  userID,
		ModifiedBy: userID,
	}
	err = o.store.Update(func(tx *metadata.Tx) error {
		parent, err := tx.GetEntryByPath(vaultID, paths.ResolveParent(rel))
		if err != nil {
			return fmt.Errorf("parent of %s: %w", rel, err)
		}
		if !parent.IsDir() {
			return fmt.Errorf("parent of %s is a file: %w", rel, errs.ErrInvalidArgument)
		}
		entry.ParentID = parent.ID
		if err := tx.CreateEntry(entry); err != nil {
			return err
		}
		if err := tx.UpsertFile(&metadata.File{EntryID: entry.ID}); err != nil {
			return err
		}
		return tx.ApplyChildDelta(parent.ID, 0, 1, 0)
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.WriteFile(ctx, entry, nil); err != nil {
		o.log.Error("materialize bytes failed, trashing row", "path", rel, "error", err)
		if terr := o.trashEntry(ctx, engine, entry, userID); terr != nil {
			o.log.Error("trash after failed create", "path", rel, "error", terr)
		}
		return nil, err
	}
	return entry, nil
}

// Mkdir inserts the entry + directories rows; the only engine I/O is making
// sure the backing root exists.
func (o *Ops) Mkdir(ctx context.Context, mountPath string, uid, gid uint32, mode uint32, userID uint64) (*metadata.Entry, error) {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return nil, err
	}
	vaultID := engine.Vault().ID

	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	entry := &metadata.Entry{
		VaultID:    vaultID,
		Kind:       metadata.KindDirectory,
		Name:       baseName(rel),
		Path:       rel,
		Mode:       mode,
		OwnerUID:   uid,
		GroupGID:   gid,
		CreatedBy:  userID,
		ModifiedBy: userID,
	}
	err = o.store.Update(func(tx *metadata.Tx) error {
		parent, err := tx.GetEntryByPath(vaultID, paths.ResolveParent(rel))
		if err != nil {
			return fmt.Errorf("parent of %s: %w", rel, err)
		}
		entry.ParentID = parent.ID
		if err := tx.CreateEntry(entry); err != nil {
			return err
		}
		if err := tx.CreateDirectoryRow(entry.ID); err != nil {
			return err
		}
		return tx.ApplyChildDelta(parent.ID, 0, 0, 1)
	})
	if err != nil {
		return nil, err
	}

	if base, err := engine.Paths().Base(paths.BackingVaultRoot); err == nil {
		if err := os.MkdirAll(base, 0755); err != nil {
			o.log.Warn("ensure backing root", "path", base, "error", err)
		}
	}
	return entry, nil
}

// Rename moves an entry. When source and destination share an engine, the
// fast path rewrites rows (including every descendant path) in one
// transaction and lets the engine move its path-keyed remote bytes; crossing
// engines falls back to copy-then-remove. Affected inode caches are evicted
// either way.
func (o *Ops) Rename(ctx context.Context, fromMount, toMount string, userID uint64) error {
	fromMount = paths.MakeAbsolute(fromMount)
	toMount = paths.MakeAbsolute(toMount)

	// A rename that would create a cycle (mv /a /a/b) is impossible.
	if toMount == fromMount || len(toMount) > len(fromMount) && toMount[:len(fromMount)+1] == fromMount+"/" {
		return fmt.Errorf("rename %s into itself: %w", fromMount, errs.ErrInvalidArgument)
	}

	srcEngine, srcRel, err := o.resolveVault(fromMount)
	if err != nil {
		return err
	}
	dstEngine, dstRel, err := o.resolveVault(toMount)
	if err != nil {
		return err
	}

	if srcEngine.Vault().ID != dstEngine.Vault().ID {
		return o.crossEngineMove(ctx, srcEngine, srcRel, dstEngine, dstRel, userID)
	}

	vaultID := srcEngine.Vault().ID
	unlock := o.locks.LockPair(vaultID, srcRel, vaultID, dstRel)
	defer unlock()

	var entry *metadata.Entry
	var movedFiles []*metadata.Entry // descendants plus self, files only
	err = o.store.Update(func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.GetEntryByPath(vaultID, srcRel)
		if err != nil {
			return err
		}
		if _, err := tx.GetEntryByPath(vaultID, dstRel); err == nil {
			return fmt.Errorf("rename target %s: %w", dstRel, errs.ErrAlreadyExists)
		}
		newParent, err := tx.GetEntryByPath(vaultID, paths.ResolveParent(dstRel))
		if err != nil {
			return fmt.Errorf("new parent of %s: %w", dstRel, err)
		}

		size, fileDelta, subdirDelta, err := subtreeFootprint(tx, entry)
		if err != nil {
			return err
		}

		oldParentID := entry.ParentID
		entry.ParentID = newParent.ID
		entry.Name = baseName(dstRel)
		entry.Path = dstRel
		entry.ModifiedBy = userID
		if err := tx.UpdateEntry(entry); err != nil {
			return err
		}

		descendants, err := tx.RewriteSubtreePaths(vaultID, srcRel, dstRel)
		if err != nil {
			return err
		}
		if entry.Kind == metadata.KindFile {
			movedFiles = append(movedFiles, entry)
		}
		for _, d := range descendants {
			if d.Kind == metadata.KindFile {
				movedFiles = append(movedFiles, d)
			}
		}

		if oldParentID != newParent.ID {
			if err := tx.ApplyChildDelta(oldParentID, -int64(size), -fileDelta, -subdirDelta); err != nil {
				return err
			}
			return tx.ApplyChildDelta(newParent.ID, int64(size), fileDelta, subdirDelta)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Remote objects are path-keyed, so every moved file gets a copy+delete.
	for _, f := range movedFiles {
		oldPath := srcRel + f.Path[len(dstRel):]
		if f.Path == dstRel {
			oldPath = srcRel
		}
		if err := srcEngine.Rename(ctx, f, oldPath, f.Path); err != nil {
			o.log.Error("remote rename failed", "from", oldPath, "to", f.Path, "error", err)
		}
	}

	o.registry.EvictPath(fromMount)
	o.registry.EvictPath(toMount)
	return nil
}

// crossEngineMove copies into the destination vault, then trashes the source.
func (o *Ops) crossEngineMove(ctx context.Context, srcEngine *storage.Engine, srcRel string, dstEngine *storage.Engine, dstRel string, userID uint64) error {
	if err := o.copyBetween(ctx, srcEngine, srcRel, dstEngine, dstRel, userID); err != nil {
		return err
	}
	return o.removeResolved(ctx, srcEngine, srcRel, userID)
}

// RemoveFile trashes a file: tombstone inserted, rows deleted and parent
// stats updated in one transaction. The async worker deletes the bytes later.
func (o *Ops) RemoveFile(ctx context.Context, mountPath string, userID uint64) error {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return err
	}
	if err := o.removeResolved(ctx, engine, rel, userID); err != nil {
		return err
	}
	o.registry.EvictPath(mountPath)
	return nil
}

func (o *Ops) removeResolved(_ context.Context, engine *storage.Engine, rel string, userID uint64) error {
	vaultID := engine.Vault().ID
	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	return o.store.Update(func(tx *metadata.Tx) error {
		entry, err := tx.GetEntryByPath(vaultID, rel)
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return fmt.Errorf("%s is a directory: %w", rel, errs.ErrInvalidArgument)
		}
		return trashFileRows(tx, engine, entry, userID)
	})
}

// trashEntry tombstones a just-created entry whose bytes step failed.
func (o *Ops) trashEntry(_ context.Context, engine *storage.Engine, entry *metadata.Entry, userID uint64) error {
	return o.store.Update(func(tx *metadata.Tx) error {
		return trashFileRows(tx, engine, entry, userID)
	})
}

// trashFileRows is the single-transaction trash flow: tombstone + row
// deletion + parent stats.
func trashFileRows(tx *metadata.Tx, engine *storage.Engine, entry *metadata.Entry, userID uint64) error {
	file, err := tx.GetFile(entry.ID)
	if err != nil {
		return fmt.Errorf("file row of %s: %w", entry.Path, errs.ErrCorrupt)
	}

	backing, err := backingPathOf(engine, entry)
	if err != nil {
		return err
	}
	trashed := &metadata.TrashedFile{
		VaultID:     entry.VaultID,
		Alias:       entry.Alias,
		SizeBytes:   file.SizeBytes,
		TrashedBy:   userID,
		BackingPath: backing,
	}
	if engine.Cloud != nil {
		trashed.RemoteKey = paths.StripLeadingSlash(entry.Path)
	}
	if err := tx.InsertTrashedFile(trashed); err != nil {
		return err
	}
	if err := tx.DeleteFile(entry.ID); err != nil {
		return err
	}
	parentID := entry.ParentID
	if err := tx.DeleteEntry(entry.ID); err != nil {
		return err
	}
	return tx.ApplyChildDelta(parentID, -int64(file.SizeBytes), -1, 0)
}

// RemoveDir deletes an empty directory. A directory still carrying children
// refuses with ErrNotEmpty.
func (o *Ops) RemoveDir(ctx context.Context, mountPath string, userID uint64) error {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return err
	}
	vaultID := engine.Vault().ID

	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	err = o.store.Update(func(tx *metadata.Tx) error {
		entry, err := tx.GetEntryByPath(vaultID, rel)
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return fmt.Errorf("%s is not a directory: %w", rel, errs.ErrInvalidArgument)
		}
		if rel == "/" {
			return fmt.Errorf("cannot remove vault root: %w", errs.ErrInvalidArgument)
		}
		d, err := tx.GetDirectory(entry.ID)
		if err != nil {
			return err
		}
		if d.FileCount+d.SubdirCount != 0 {
			return fmt.Errorf("%s: %w", rel, errs.ErrNotEmpty)
		}
		if err := tx.DeleteDirectoryRow(entry.ID); err != nil {
			return err
		}
		parentID := entry.ParentID
		if err := tx.DeleteEntry(entry.ID); err != nil {
			return err
		}
		return tx.ApplyChildDelta(parentID, 0, 0, -1)
	})
	if err != nil {
		return err
	}
	o.registry.EvictPath(mountPath)
	return nil
}

// Copy duplicates a file. Within one engine the bytes copy verbatim (same
// vault key); across engines the plaintext is read and re-encrypted by the
// destination.
func (o *Ops) Copy(ctx context.Context, fromMount, toMount string, userID uint64) error {
	srcEngine, srcRel, err := o.resolveVault(fromMount)
	if err != nil {
		return err
	}
	dstEngine, dstRel, err := o.resolveVault(toMount)
	if err != nil {
		return err
	}
	return o.copyBetween(ctx, srcEngine, srcRel, dstEngine, dstRel, userID)
}

func (o *Ops) copyBetween(ctx context.Context, srcEngine *storage.Engine, srcRel string, dstEngine *storage.Engine, dstRel string, userID uint64) error {
	unlock := o.locks.LockPair(srcEngine.Vault().ID, srcRel, dstEngine.Vault().ID, dstRel)
	defer unlock()

	var srcEntry *metadata.Entry
	var srcFile *metadata.File
	err := o.store.View(func(tx *metadata.Tx) error {
		var err error
		srcEntry, err = tx.GetEntryByPath(srcEngine.Vault().ID, srcRel)
		if err != nil {
			return err
		}
		if srcEntry.IsDir() {
			return fmt.Errorf("directory copy not supported over %s: %w", srcRel, errs.ErrInvalidArgument)
		}
		srcFile, err = tx.GetFile(srcEntry.ID)
		return err
	})
	if err != nil {
		return err
	}

	dstEntry := &metadata.Entry{
		VaultID:    dstEngine.Vault().ID,
		Kind:       metadata.KindFile,
		Name:       baseName(dstRel),
		Path:       dstRel,
		Mode:       srcEntry.Mode,
		OwnerUID:   srcEntry.OwnerUID,
		GroupGID:   srcEntry.GroupGID,
		CreatedBy:  userID,
		ModifiedBy: userID,
	}
	sameEngine := srcEngine.Vault().ID == dstEngine.Vault().ID

	err = o.store.Update(func(tx *metadata.Tx) error {
		parent, err := tx.GetEntryByPath(dstEngine.Vault().ID, paths.ResolveParent(dstRel))
		if err != nil {
			return fmt.Errorf("parent of %s: %w", dstRel, err)
		}
		dstEntry.ParentID = parent.ID
		if err := tx.CreateEntry(dstEntry); err != nil {
			return err
		}
		dstFile := &metadata.File{
			EntryID:     dstEntry.ID,
			SizeBytes:   srcFile.SizeBytes,
			MimeType:    srcFile.MimeType,
			ContentHash: srcFile.ContentHash,
		}
		if sameEngine {
			dstFile.EncryptionIV = srcFile.EncryptionIV
			dstFile.KeyVersion = srcFile.KeyVersion
		}
		if err := tx.UpsertFile(dstFile); err != nil {
			return err
		}
		return tx.ApplyChildDelta(parent.ID, int64(srcFile.SizeBytes), 1, 0)
	})
	if err != nil {
		return err
	}

	if sameEngine {
		return srcEngine.CopyBytes(ctx, srcEntry, dstEntry)
	}

	plaintext, err := srcEngine.ReadFile(ctx, srcEntry, srcFile)
	if err != nil {
		return err
	}
	_, err = dstEngine.WriteFile(ctx, dstEntry, plaintext)
	return err
}

// FinishUpload flushes buffered write data through the engine, which encrypts
// and persists it. A nil buffer on an already-final entry is a no-op.
func (o *Ops) FinishUpload(ctx context.Context, mountPath string, data []byte, userID uint64) error {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return err
	}
	vaultID := engine.Vault().ID

	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	var entry *metadata.Entry
	err = o.store.View(func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.GetEntryByPath(vaultID, rel)
		return err
	})
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	if err := o.checkQuota(engine, entry.ID, uint64(len(data))); err != nil {
		return err
	}

	entry.ModifiedBy = userID
	_, err = engine.WriteFile(ctx, entry, data)
	return err
}

// checkQuota refuses a write that would push the vault past its byte quota.
func (o *Ops) checkQuota(engine *storage.Engine, entryID, newSize uint64) error {
	quota := engine.Vault().Quota
	if quota == 0 {
		return nil
	}
	used, err := engine.VaultSize(o.store)
	if err != nil {
		return err
	}
	var oldSize uint64
	o.store.View(func(tx *metadata.Tx) error {
		if f, err := tx.GetFile(entryID); err == nil {
			oldSize = f.SizeBytes
		}
		return nil
	})
	if used+newSize > quota+oldSize {
		return fmt.Errorf("vault %d over quota (%d used, %d limit): %w",
			engine.Vault().ID, used, quota, errs.ErrQuotaExceeded)
	}
	return nil
}

// Stat resolves a mount path into its entry and, for files, the payload row.
func (o *Ops) Stat(mountPath string) (*metadata.Entry, *metadata.File, error) {
	engine, rel := o.manager.ResolveVault(mountPath)

	var entry *metadata.Entry
	var file *metadata.File
	err := o.store.View(func(tx *metadata.Tx) error {
		var err error
		if engine == nil {
			entry, err = tx.GetEntryByPath(0, rel)
		} else {
			entry, err = tx.GetEntryByPath(engine.Vault().ID, rel)
		}
		if err != nil {
			return err
		}
		if entry.Kind == metadata.KindFile {
			file, err = tx.GetFile(entry.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, file, nil
}

// SetAttr updates mode/ownership/timestamps on an entry row.
func (o *Ops) SetAttr(mountPath string, mode *uint32, uid, gid *uint32, mtime *int64) error {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return err
	}
	vaultID := engine.Vault().ID

	o.locks.Lock(vaultID, rel)
	defer o.locks.Unlock(vaultID, rel)

	return o.store.Update(func(tx *metadata.Tx) error {
		entry, err := tx.GetEntryByPath(vaultID, rel)
		if err != nil {
			return err
		}
		if mode != nil {
			entry.Mode = *mode
		}
		if uid != nil {
			entry.OwnerUID = *uid
		}
		if gid != nil {
			entry.GroupGID = *gid
		}
		if err := tx.UpdateEntry(entry); err != nil {
			return err
		}
		if mtime != nil && entry.Kind == metadata.KindFile {
			f, err := tx.GetFile(entry.ID)
			if err != nil {
				return err
			}
			f.UpdatedAt = *mtime
			return tx.UpsertFile(f)
		}
		return nil
	})
}

// Truncate resizes a file to length, rewriting the stored bytes.
func (o *Ops) Truncate(ctx context.Context, mountPath string, length uint64, userID uint64) error {
	engine, rel, err := o.resolveVault(mountPath)
	if err != nil {
		return err
	}

	var entry *metadata.Entry
	var file *metadata.File
	err = o.store.View(func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.GetEntryByPath(engine.Vault().ID, rel)
		if err != nil {
			return err
		}
		file, err = tx.GetFile(entry.ID)
		return err
	})
	if err != nil {
		return err
	}
	if file.SizeBytes == length {
		return nil
	}

	data, err := engine.ReadFile(ctx, entry, file)
	if err != nil && length > 0 {
		return err
	}
	if uint64(len(data)) > length {
		data = data[:length]
	} else {
		data = append(data, make([]byte, length-uint64(len(data)))...)
	}
	_, err = engine.WriteFile(ctx, entry, data)
	return err
}

func subtreeFootprint(tx *metadata.Tx, entry *metadata.Entry) (size uint64, fileDelta, subdirDelta int64, err error) {
	if entry.Kind == metadata.KindFile {
		f, err := tx.GetFile(entry.ID)
		if err != nil {
			return 0, 0, 0, err
		}
		return f.SizeBytes, 1, 0, nil
	}
	d, err := tx.GetDirectory(entry.ID)
	if err != nil {
		return 0, 0, 0, err
	}
	return d.SizeBytes, 0, 1, nil
}

func backingPathOf(engine *storage.Engine, entry *metadata.Entry) (string, error) {
	if engine.Cloud != nil {
		return engine.Paths().Abs(entry.Alias, paths.FileCacheRoot)
	}
	return engine.Paths().Abs(entry.Alias, paths.BackingVaultRoot)
}

func baseName(rel string) string {
	rel = paths.MakeAbsolute(rel)
	if rel == "/" {
		return "/"
	}
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return rel[i+1:]
		}
	}
	return rel
}
