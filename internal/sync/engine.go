package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gopath "path"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/fsops"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/storage"
	"github.com/vaulthalla/vaulthalla/internal/workerpool"
)

// MinFreeSpace is the floor the cache respects when pulling new files. A
// download that would leave less than twice this free switches the file to
// index-only.
const MinFreeSpace = 10 * 1024 * 1024

// Engine executes reconcile runs: it gathers both listings, builds the plan,
// and drives the phases through the worker pool with a barrier between them.
type Engine struct {
	store *metadata.Store
	ops   *fsops.Ops
	pool  *workerpool.Pool
	log   *slog.Logger
}

func NewEngine(store *metadata.Store, ops *fsops.Ops, pool *workerpool.Pool, log *slog.Logger) *Engine {
	return &Engine{store: store, ops: ops, pool: pool, log: log}
}

// Run reconciles one vault under one SyncEvent. heartbeat is invoked between
// phases and per executed action; the controller persists it.
func (e *Engine) Run(ctx context.Context, vaultID, eventID uint64, heartbeat func()) error {
	if heartbeat == nil {
		heartbeat = func() {}
	}

	engine, err := e.ops.Manager().Engine(vaultID)
	if err != nil {
		return err
	}
	if engine.Cloud == nil {
		return fmt.Errorf("vault %d is not cloud-backed: %w", vaultID, errs.ErrInvalidArgument)
	}
	cloud := engine.Cloud
	vault := engine.Vault()

	var policy *metadata.SyncPolicy
	var localEntries []*metadata.Entry
	var localFiles map[uint64]*metadata.File
	err = e.store.View(func(tx *metadata.Tx) error {
		var err error
		if policy, err = tx.GetSyncPolicy(vaultID); err != nil {
			return fmt.Errorf("sync policy: %w", err)
		}
		localEntries, localFiles, err = tx.ListFilesByVault(vaultID)
		return err
	})
	if err != nil {
		return err
	}

	s3Map, err := cloud.GroupedFilesFromS3(ctx, "")
	if err != nil {
		return fmt.Errorf("remote listing: %w", err)
	}
	heartbeat()

	remoteHashes := make(map[string]string, len(s3Map))
	for path, rf := range s3Map {
		if ctx.Err() != nil {
			return fmt.Errorf("hash sweep: %w", errs.ErrCancelled)
		}
		hash, err := cloud.RemoteContentHash(ctx, path)
		if err != nil {
			e.log.Warn("remote hash unavailable", "path", path, "error", err)
			continue
		}
		remoteHashes[path] = hash
		rf.Hash = hash
	}
	heartbeat()

	// Watermarks for divergence diagnostics.
	localPairs := make(map[string]string, len(localEntries))
	for _, entry := range localEntries {
		localPairs[entry.Path] = localFiles[entry.ID].ContentHash
	}
	err = e.store.Update(func(tx *metadata.Tx) error {
		event, err := tx.GetSyncEvent(eventID)
		if err != nil {
			return err
		}
		event.LocalStateHash = StateHash(localPairs)
		event.RemoteStateHash = StateHash(remoteHashes)
		event.ConfigHash = ConfigHash(policy)
		return tx.UpdateSyncEvent(event)
	})
	if err != nil {
		return err
	}

	plan, err := BuildPlan(&Input{
		Policy:       policy,
		LocalEntries: localEntries,
		LocalFiles:   localFiles,
		S3Map:        s3Map,
		RemoteHashes: remoteHashes,
	})
	if err != nil {
		return err
	}

	if err := e.recordConflicts(eventID, vaultID, plan.Conflicts); err != nil {
		return err
	}
	if err := e.applyFreeSpacePolicy(ctx, policy, engine, plan); err != nil {
		return err
	}

	return e.execute(ctx, vault, engine, plan, eventID, heartbeat)
}

// applyFreeSpacePolicy implements the cache-mode budget: when free space plus
// everything purgeable cannot hold the planned downloads, files switch to
// index-only; otherwise the largest cache entries are evicted until the
// plan fits. Safe mode fails outright when the downloads cannot fit.
func (e *Engine) applyFreeSpacePolicy(ctx context.Context, policy *metadata.SyncPolicy, engine *storage.Engine, plan *Plan) error {
	required := plan.DownloadBytes()
	if required == 0 {
		return nil
	}
	free, err := engine.FreeSpace()
	if err != nil {
		return err
	}

	switch policy.Mode {
	case metadata.SyncSafe, metadata.SyncMirror:
		if free < required {
			return fmt.Errorf("download needs %d bytes, %d free: %w", required, free, errs.ErrInsufficientSpace)
		}
		return nil

	case metadata.SyncCache:
		var purgeable uint64
		err := e.store.View(func(tx *metadata.Tx) error {
			var err error
			purgeable, err = tx.SumCacheSize(engine.Vault().ID, metadata.CacheFile)
			return err
		})
		if err != nil {
			return err
		}

		freeAfterDownload := free+purgeable < required
		for i := range plan.Actions {
			a := &plan.Actions[i]
			if a.Type != Download || a.Remote == nil {
				continue
			}
			// Index-only when the whole plan cannot fit, or when this file
			// alone would squeeze free space below the purge threshold.
			if freeAfterDownload || free < a.Remote.Size || free-a.Remote.Size < 2*MinFreeSpace {
				a.FreeAfterDownload = true
			}
		}
		if freeAfterDownload {
			return nil
		}
		// Index-only actions never touch the cache, so eviction targets only
		// the bytes the materializing downloads will actually write.
		var materializing uint64
		for _, a := range plan.Actions {
			if a.Type == Download && a.Remote != nil && !a.FreeAfterDownload {
				materializing += a.Remote.Size
			}
		}
		if free < materializing {
			return e.ensureFreeSpace(ctx, engine, materializing-free)
		}
		return nil
	}
	return nil
}

// ensureFreeSpace evicts the N largest file-cache entries, doubling N each
// round, until the freed bytes cover what is needed or candidates run out.
func (e *Engine) ensureFreeSpace(ctx context.Context, engine *storage.Engine, needed uint64) error {
	vaultID := engine.Vault().ID

	var total int
	err := e.store.View(func(tx *metadata.Tx) error {
		var err error
		total, err = tx.CountCacheIndices(vaultID, metadata.CacheFile)
		return err
	})
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("cache empty, %d bytes short: %w", needed, errs.ErrInsufficientSpace)
	}

	var candidates []*metadata.CacheIndex
	for n := 1; ; n *= 2 {
		err := e.store.View(func(tx *metadata.Tx) error {
			var err error
			candidates, err = tx.NLargestCacheIndices(n, vaultID, metadata.CacheFile)
			return err
		})
		if err != nil {
			return err
		}
		var sum uint64
		for _, ci := range candidates {
			sum += ci.Size
		}
		if sum >= needed || n >= total {
			if sum < needed {
				return fmt.Errorf("purgeable cache %d bytes < needed %d: %w", sum, needed, errs.ErrInsufficientSpace)
			}
			break
		}
	}

	var freed uint64
	for _, ci := range candidates {
		if ctx.Err() != nil {
			return fmt.Errorf("eviction: %w", errs.ErrCancelled)
		}
		if err := removeCacheFile(ci.Path); err != nil {
			e.log.Error("cache eviction failed", "path", ci.Path, "error", err)
			continue
		}
		if err := e.store.Update(func(tx *metadata.Tx) error { return tx.DeleteCacheIndex(ci.ID) }); err != nil {
			return err
		}
		freed += ci.Size
		if freed >= needed {
			return nil
		}
	}
	if freed < needed {
		return fmt.Errorf("evicted %d of %d needed bytes: %w", freed, needed, errs.ErrInsufficientSpace)
	}
	return nil
}

// execute drives the plan phase by phase; RunAll is the barrier. Failures are
// recorded per action and do not stop independent actions.
func (e *Engine) execute(ctx context.Context, vault *metadata.Vault, engine *storage.Engine, plan *Plan, eventID uint64, heartbeat func()) error {
	var runErr error
	for _, phase := range plan.ByPhase() {
		if len(phase) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("phase dispatch: %w", errs.ErrCancelled)
		}
		heartbeat()

		if phase[0].Type == EnsureDirectories {
			if err := e.ensureDirectories(ctx, vault.ID, plan); err != nil {
				return err
			}
			continue
		}

		tasks := make([]func() error, len(phase))
		for i, action := range phase {
			action := action
			tasks[i] = func() error {
				err := e.executeAction(ctx, vault, engine, action, eventID)
				heartbeat()
				return err
			}
		}
		for _, err := range e.pool.RunAll(ctx, tasks) {
			if err != nil && runErr == nil {
				runErr = err
			}
		}
	}
	return runErr
}

// executeAction runs one step and records its throughput bucket.
func (e *Engine) executeAction(ctx context.Context, vault *metadata.Vault, engine *storage.Engine, a Action, eventID uint64) error {
	start := time.Now()
	var metric metadata.ThroughputMetric
	var bytesMoved uint64

	var err error
	switch a.Type {
	case Upload:
		metric = metadata.MetricUpload
		err = engine.Cloud.Upload(ctx, a.Local, a.LocalFile)
		if err == nil {
			bytesMoved = a.LocalFile.SizeBytes
		}
	case Download:
		metric = metadata.MetricDownload
		if a.FreeAfterDownload {
			err = engine.Cloud.IndexAndDeleteFile(ctx, a.Path)
		} else {
			_, err = engine.Cloud.DownloadFile(ctx, a.Path)
			if err == nil && a.Remote != nil {
				bytesMoved = a.Remote.Size
			}
		}
	case DeleteRemote:
		metric = metadata.MetricDelete
		err = engine.Cloud.Controller().DeleteObject(ctx, paths.StripLeadingSlash(a.Path))
	case DeleteLocal:
		metric = metadata.MetricDelete
		err = e.ops.RemoveFile(ctx, paths.Join(vault.MountPoint, a.Path), 0)
	default:
		return nil
	}

	durationMs := uint64(time.Since(start).Milliseconds())
	var failed uint64
	if err != nil {
		failed = 1
		e.log.Error("sync action failed", "action", a.Type.String(), "path", a.Path, "error", err)
	}
	recErr := e.store.Update(func(tx *metadata.Tx) error {
		return tx.AddThroughput(eventID, metric, 1, failed, bytesMoved, durationMs)
	})
	if recErr != nil {
		e.log.Error("record throughput", "error", recErr)
	}
	return err
}

// ensureDirectories materializes the minimum ancestor set implied by the
// planned downloads, shallowest first so parents always exist.
func (e *Engine) ensureDirectories(ctx context.Context, vaultID uint64, plan *Plan) error {
	var remotePaths []string
	for _, a := range plan.Actions {
		if a.Type == Download {
			remotePaths = append(remotePaths, a.Path)
		}
	}

	for _, dir := range storage.ExtractDirectories(remotePaths) {
		if ctx.Err() != nil {
			return fmt.Errorf("ensure directories: %w", errs.ErrCancelled)
		}
		err := e.store.Update(func(tx *metadata.Tx) error {
			if _, err := tx.GetEntryByPath(vaultID, dir); err == nil {
				return nil
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			parent, err := tx.GetEntryByPath(vaultID, paths.ResolveParent(dir))
			if err != nil {
				return fmt.Errorf("parent of %s: %w", dir, err)
			}
			entry := &metadata.Entry{
				ParentID: parent.ID,
				VaultID:  vaultID,
				Kind:     metadata.KindDirectory,
				Name:     gopath.Base(dir),
				Path:     dir,
				Mode:     0755,
			}
			if err := tx.CreateEntry(entry); err != nil {
				return err
			}
			if err := tx.CreateDirectoryRow(entry.ID); err != nil {
				return err
			}
			return tx.ApplyChildDelta(parent.ID, 0, 0, 1)
		})
		if err != nil {
			return err
		}
		e.log.Debug("directory materialized from remote", "path", dir)
	}
	return nil
}

func removeCacheFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, errs.ErrFatalIO)
	}
	return nil
}

func (e *Engine) recordConflicts(eventID, vaultID uint64, conflicts []PlannedConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return e.store.Update(func(tx *metadata.Tx) error {
		for _, pc := range conflicts {
			c := &metadata.Conflict{EventID: eventID, VaultID: vaultID, Path: pc.Path, Reason: pc.Reason}
			var artifacts []*metadata.ConflictArtifact
			if pc.Local != nil {
				artifacts = append(artifacts, &metadata.ConflictArtifact{
					Side:       "local",
					Size:       pc.Local.SizeBytes,
					Hash:       pc.Local.ContentHash,
					MTime:      pc.Local.UpdatedAt,
					IV:         pc.Local.EncryptionIV,
					KeyVersion: pc.Local.KeyVersion,
				})
			}
			if pc.Remote != nil {
				artifacts = append(artifacts, &metadata.ConflictArtifact{
					Side:       "remote",
					Size:       pc.Remote.Size,
					Hash:       pc.Remote.Hash,
					MTime:      pc.Remote.UpdatedAt,
					IV:         pc.Remote.IV,
					KeyVersion: pc.Remote.KeyVersion,
				})
			}
			if err := tx.InsertConflict(c, artifacts); err != nil {
				return err
			}
		}
		return nil
	})
}
