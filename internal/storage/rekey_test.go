package storage

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

// newRegisteredCloudEnv wires a cloud vault through the manager so workers
// that iterate engines see it.
func newRegisteredCloudEnv(t *testing.T) (*Manager, *metadata.Store, *metadata.Vault, crypto.MasterKeyProvider) {
	t.Helper()
	dir := t.TempDir()

	store, err := metadata.Open(filepath.Join(dir, "meta.db"), metadata.Options{PoolSize: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider, err := crypto.NewDevProvider([]byte("rekey seed"))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	bucket := newFakeBucket()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Fuse.RootMountPath = filepath.Join(dir, "mnt")
	cfg.Storage.BackingRoot = filepath.Join(dir, "backing")
	cfg.S3.TimeoutSecs = 5

	var vault *metadata.Vault
	err = store.Update(func(tx *metadata.Tx) error {
		secret := []byte("wJalrXUtnFEMIexamplesecretkey0000000000K")
		var ct, iv []byte
		err := provider.WithMasterKey(func(master []byte) error {
			var err error
			ct, iv, err = crypto.Encrypt(secret, master)
			return err
		})
		if err != nil {
			return err
		}
		apiKey := &metadata.APIKey{
			UserID:          1,
			AccessKey:       "AKIAEXAMPLEKEY000000",
			Endpoint:        srv.URL,
			EncryptedSecret: ct,
			IV:              crypto.EncodeIV(iv),
		}
		if err := tx.CreateAPIKey(apiKey); err != nil {
			return err
		}

		v := &metadata.Vault{Name: "v1", OwnerID: 1, Type: metadata.VaultS3, MountPoint: "/users/admin/v1", IsActive: true}
		if err := tx.CreateVault(v); err != nil {
			return err
		}
		vault = v
		if err := tx.PutS3Vault(&metadata.S3Vault{VaultID: v.ID, APIKeyID: apiKey.ID, Bucket: "bkt", EncryptUpstream: true}); err != nil {
			return err
		}

		dataKey, err := crypto.NewDataKey()
		if err != nil {
			return err
		}
		wrapped, err := crypto.WrapDataKey(provider, dataKey)
		if err != nil {
			return err
		}
		if _, err := tx.CreateVaultKey(v.ID, wrapped); err != nil {
			return err
		}

		root := &metadata.Entry{ParentID: metadata.RootEntryID, VaultID: v.ID, Kind: metadata.KindDirectory, Name: "v1", Path: "/", Mode: 0755}
		if err := tx.CreateEntry(root); err != nil {
			return err
		}
		return tx.CreateDirectoryRow(root.ID)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	manager := NewManager(store, provider, cfg, slog.Default())
	if err := manager.LoadVaults(context.Background()); err != nil {
		t.Fatalf("load vaults: %v", err)
	}
	t.Cleanup(manager.Close)

	return manager, store, vault, provider
}

func TestRekeyWorker_ReencryptsAndCompletes(t *testing.T) {
	manager, store, vault, provider := newRegisteredCloudEnv(t)
	ctx := context.Background()

	engine, err := manager.Engine(vault.ID)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	// One file written under key version 0.
	entry := &metadata.Entry{ParentID: 0, VaultID: vault.ID, Kind: metadata.KindFile, Name: "a.txt", Path: "/a.txt", Mode: 0644}
	err = store.Update(func(tx *metadata.Tx) error {
		root, err := tx.GetEntryByPath(vault.ID, "/")
		if err != nil {
			return err
		}
		entry.ParentID = root.ID
		return tx.CreateEntry(entry)
	})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if _, err := engine.WriteFile(ctx, entry, []byte("rotate me")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Begin rotation: current becomes version 1.
	err = store.Update(func(tx *metadata.Tx) error {
		dataKey, err := crypto.NewDataKey()
		if err != nil {
			return err
		}
		wrapped, err := crypto.WrapDataKey(provider, dataKey)
		if err != nil {
			return err
		}
		_, err = tx.BeginKeyRotation(vault.ID, wrapped)
		return err
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	worker := NewRekeyWorker(store, manager, time.Minute, slog.Default())
	worker.Sweep(ctx)

	store.View(func(tx *metadata.Tx) error {
		f, err := tx.GetFile(entry.ID)
		if err != nil {
			return err
		}
		if f.KeyVersion != 1 {
			t.Errorf("file key version = %d, want 1", f.KeyVersion)
		}
		pending, err := tx.RotationPending(vault.ID)
		if err != nil {
			return err
		}
		if pending {
			t.Error("rotation sentinel not stamped after full sweep")
		}
		return nil
	})

	// The re-encrypted bytes still decrypt to the original plaintext.
	var file *metadata.File
	store.View(func(tx *metadata.Tx) error {
		var err error
		file, err = tx.GetFile(entry.ID)
		return err
	})
	data, err := engine.ReadFile(ctx, entry, file)
	if err != nil || string(data) != "rotate me" {
		t.Fatalf("post-rotation read = %q, %v", data, err)
	}
}

func TestRekeyWorker_NoPendingRotationIsNoop(t *testing.T) {
	manager, store, vault, _ := newRegisteredCloudEnv(t)

	worker := NewRekeyWorker(store, manager, time.Minute, slog.Default())
	worker.Sweep(context.Background())

	store.View(func(tx *metadata.Tx) error {
		pending, err := tx.RotationPending(vault.ID)
		if err != nil || pending {
			t.Errorf("pending = %v, err %v", pending, err)
		}
		return nil
	})
}
