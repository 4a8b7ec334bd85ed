package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

// RekeyWorker drains pending key rotations: files still encrypted under an
// older key version are re-encrypted with the current key; once none remain,
// the rotation's sentinel is stamped.
type RekeyWorker struct {
	store    *metadata.Store
	manager  *Manager
	interval time.Duration
	log      *slog.Logger
}

func NewRekeyWorker(store *metadata.Store, manager *Manager, interval time.Duration, log *slog.Logger) *RekeyWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RekeyWorker{store: store, manager: manager, interval: interval, log: log}
}

// Run sweeps on a ticker until ctx is cancelled.
func (w *RekeyWorker) Run(ctx context.Context) {
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

// Sweep runs one re-encryption pass over every vault with a pending rotation.
func (w *RekeyWorker) Sweep(ctx context.Context) {
	for _, engine := range w.manager.Engines() {
		if ctx.Err() != nil {
			return
		}
		if err := w.sweepVault(ctx, engine); err != nil {
			w.log.Error("rekey sweep failed", "vault", engine.Vault().ID, "error", err)
		}
	}
}

func (w *RekeyWorker) sweepVault(ctx context.Context, engine *Engine) error {
	vaultID := engine.Vault().ID

	var pending bool
	var current *metadata.VaultKey
	var backlog []uint64
	err := w.store.View(func(tx *metadata.Tx) error {
		var err error
		pending, err = tx.RotationPending(vaultID)
		if err != nil || !pending {
			return err
		}
		if current, err = tx.GetCurrentVaultKey(vaultID); err != nil {
			return err
		}
		backlog, err = tx.ListFilesBelowKeyVersion(vaultID, current.Version)
		return err
	})
	if err != nil || !pending {
		return err
	}

	for _, entryID := range backlog {
		if ctx.Err() != nil {
			return nil
		}

		var entry *metadata.Entry
		var file *metadata.File
		err := w.store.View(func(tx *metadata.Tx) error {
			var err error
			if entry, err = tx.GetEntry(entryID); err != nil {
				return err
			}
			file, err = tx.GetFile(entryID)
			return err
		})
		if err != nil {
			w.log.Error("rekey row read", "entry", entryID, "error", err)
			continue
		}

		// Read decrypts with the file's recorded version; write re-encrypts
		// under the current key and updates the row.
		plaintext, err := engine.ReadFile(ctx, entry, file)
		if err != nil {
			w.log.Error("rekey read", "path", entry.Path, "error", err)
			continue
		}
		if _, err := engine.WriteFile(ctx, entry, plaintext); err != nil {
			w.log.Error("rekey write", "path", entry.Path, "error", err)
			continue
		}
		w.log.Debug("re-encrypted", "path", entry.Path, "version", current.Version)
	}

	// Stamp the sentinel only when nothing remains below the current version.
	return w.store.Update(func(tx *metadata.Tx) error {
		remaining, err := tx.ListFilesBelowKeyVersion(vaultID, current.Version)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return nil
		}
		w.log.Info("key rotation completed", "vault", vaultID, "version", current.Version)
		return tx.CompleteKeyRotation(vaultID)
	})
}
