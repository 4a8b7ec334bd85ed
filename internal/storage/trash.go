package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

// TrashWorker drains pending tombstones: it deletes the remote object of
// trashed cloud files and stamps deleted_at once the bytes are gone.
type TrashWorker struct {
	store    *metadata.Store
	manager  *Manager
	interval time.Duration
	log      *slog.Logger
}

func NewTrashWorker(store *metadata.Store, manager *Manager, interval time.Duration, log *slog.Logger) *TrashWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TrashWorker{store: store, manager: manager, interval: interval, log: log}
}

// Run processes the trash queue on a ticker until ctx is cancelled.
func (w *TrashWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every registered vault's pending tombstones.
func (w *TrashWorker) Sweep(ctx context.Context) {
	for _, engine := range w.manager.Engines() {
		if ctx.Err() != nil {
			return
		}
		vaultID := engine.Vault().ID

		var pending []*metadata.TrashedFile
		err := w.store.View(func(tx *metadata.Tx) error {
			var err error
			pending, err = tx.ListPendingTrash(vaultID)
			return err
		})
		if err != nil {
			w.log.Error("list pending trash", "vault", vaultID, "error", err)
			continue
		}

		for _, t := range pending {
			if err := w.purge(ctx, engine, t); err != nil {
				w.log.Error("trash purge failed", "vault", vaultID, "alias", t.Alias, "error", err)
				continue
			}
			err := w.store.Update(func(tx *metadata.Tx) error {
				return tx.MarkTrashDeleted(t.ID)
			})
			if err != nil {
				w.log.Error("mark trash deleted", "trash_id", t.ID, "error", err)
			}
		}
	}
}

func (w *TrashWorker) purge(ctx context.Context, engine *Engine, t *metadata.TrashedFile) error {
	if err := engine.RemoveLocal(ctx, t); err != nil {
		return err
	}
	if engine.Cloud != nil {
		return engine.Cloud.RemoveRemote(ctx, t)
	}
	return nil
}
