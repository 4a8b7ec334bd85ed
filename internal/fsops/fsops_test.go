package fsops

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/registry"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

const mount = "/users/admin/v1"

type opsEnv struct {
	ops   *Ops
	store *metadata.Store
	reg   *registry.Registry
	vault *metadata.Vault
}

func newOpsEnv(t *testing.T) *opsEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := metadata.Open(filepath.Join(dir, "meta.db"), metadata.Options{PoolSize: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider, err := crypto.NewDevProvider([]byte("fsops seed"))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	cfg := config.Defaults()
	cfg.Fuse.RootMountPath = filepath.Join(dir, "mnt")
	cfg.Storage.BackingRoot = filepath.Join(dir, "backing")

	env := &opsEnv{store: store, reg: registry.New()}

	err = store.Update(func(tx *metadata.Tx) error {
		v := &metadata.Vault{Name: "v1", OwnerID: 1, Type: metadata.VaultLocal, MountPoint: mount, IsActive: true}
		if err := tx.CreateVault(v); err != nil {
			return err
		}
		env.vault = v

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

	manager := storage.NewManager(store, provider, cfg, slog.Default())
	if err := manager.LoadVaults(context.Background()); err != nil {
		t.Fatalf("load vaults: %v", err)
	}
	t.Cleanup(manager.Close)

	env.ops = New(store, manager, env.reg, slog.Default())
	return env
}

func (env *opsEnv) dirStats(t *testing.T, rel string) *metadata.Directory {
	t.Helper()
	var d *metadata.Directory
	err := env.store.View(func(tx *metadata.Tx) error {
		e, err := tx.GetEntryByPath(env.vault.ID, rel)
		if err != nil {
			return err
		}
		d, err = tx.GetDirectory(e.ID)
		return err
	})
	if err != nil {
		t.Fatalf("dir stats %s: %v", rel, err)
	}
	return d
}

func TestCreateFileAndStat(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	entry, err := env.ops.CreateFile(ctx, mount+"/a.txt", 1000, 1000, 0644, 1)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if entry.Path != "/a.txt" || entry.VaultID != env.vault.ID {
		t.Errorf("entry = %+v", entry)
	}

	got, file, err := env.ops.Stat(mount + "/a.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got.ID != entry.ID || file.SizeBytes != 0 {
		t.Errorf("stat = %+v / %+v", got, file)
	}

	root := env.dirStats(t, "/")
	if root.FileCount != 1 {
		t.Errorf("root file count = %d", root.FileCount)
	}
}

func TestCreateFile_ParentMissing(t *testing.T) {
	env := newOpsEnv(t)
	_, err := env.ops.CreateFile(context.Background(), mount+"/no/such/dir/f.txt", 0, 0, 0644, 1)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateFile_Duplicate(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	if _, err := env.ops.CreateFile(ctx, mount+"/a.txt", 0, 0, 0644, 1); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := env.ops.CreateFile(ctx, mount+"/a.txt", 0, 0, 0644, 1); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("duplicate create: %v", err)
	}
}

func TestMutationOutsideVaultRefused(t *testing.T) {
	env := newOpsEnv(t)
	_, err := env.ops.CreateFile(context.Background(), "/users/other/f.txt", 0, 0, 0644, 1)
	if !errors.Is(err, errs.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestMkdirAndRmdir(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	if _, err := env.ops.Mkdir(ctx, mount+"/docs", 0, 0, 0755, 1); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if env.dirStats(t, "/").SubdirCount != 1 {
		t.Error("subdir count not bumped")
	}

	// Non-empty removal refused.
	if _, err := env.ops.CreateFile(ctx, mount+"/docs/f.txt", 0, 0, 0644, 1); err != nil {
		t.Fatalf("create in docs: %v", err)
	}
	if err := env.ops.RemoveDir(ctx, mount+"/docs", 1); !errors.Is(err, errs.ErrNotEmpty) {
		t.Errorf("non-empty rmdir: %v", err)
	}

	if err := env.ops.RemoveFile(ctx, mount+"/docs/f.txt", 1); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	if err := env.ops.RemoveDir(ctx, mount+"/docs", 1); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if env.dirStats(t, "/").SubdirCount != 0 {
		t.Error("subdir count not restored")
	}
}

func TestCreateWriteRemoveLifecycle(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	if _, err := env.ops.CreateFile(ctx, mount+"/x.bin", 0, 0, 0644, 7); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.ops.FinishUpload(ctx, mount+"/x.bin", []byte("0123456789"), 7); err != nil {
		t.Fatalf("finish upload: %v", err)
	}
	if env.dirStats(t, "/").SizeBytes != 10 {
		t.Errorf("root size = %d, want 10", env.dirStats(t, "/").SizeBytes)
	}

	if err := env.ops.RemoveFile(ctx, mount+"/x.bin", 7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := env.ops.Stat(mount + "/x.bin"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("stat after remove: %v", err)
	}
	root := env.dirStats(t, "/")
	if root.SizeBytes != 0 || root.FileCount != 0 {
		t.Errorf("root stats after remove = %+v", root)
	}

	// The trash flow left a pending tombstone attributed to the user.
	env.store.View(func(tx *metadata.Tx) error {
		pending, err := tx.ListPendingTrash(env.vault.ID)
		if err != nil || len(pending) != 1 {
			t.Fatalf("pending trash = %v, %v", pending, err)
		}
		if pending[0].TrashedBy != 7 || pending[0].SizeBytes != 10 {
			t.Errorf("tombstone = %+v", pending[0])
		}
		return nil
	})
}

func TestFinishUpload_NilIsNoop(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	if _, err := env.ops.CreateFile(ctx, mount+"/a.txt", 0, 0, 0644, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.ops.FinishUpload(ctx, mount+"/a.txt", []byte("abc"), 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.ops.FinishUpload(ctx, mount+"/a.txt", nil, 1); err != nil {
		t.Fatalf("no-op finish: %v", err)
	}
	_, file, _ := env.ops.Stat(mount + "/a.txt")
	if file.SizeBytes != 3 {
		t.Errorf("size after no-op = %d", file.SizeBytes)
	}
}

func TestRename_DescendantPathsRewritten(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.ops.Mkdir(ctx, mount+"/a", 0, 0, 0755, 1)
	env.ops.Mkdir(ctx, mount+"/a/b", 0, 0, 0755, 1)
	env.ops.Mkdir(ctx, mount+"/a/b/d", 0, 0, 0755, 1)
	env.ops.CreateFile(ctx, mount+"/a/b/c.txt", 0, 0, 0644, 1)
	env.ops.FinishUpload(ctx, mount+"/a/b/c.txt", []byte("xyz"), 1)

	// Prime the registry so eviction is observable.
	ino := env.reg.AssignInode(mount + "/a/b/c.txt")

	if err := env.ops.Rename(ctx, mount+"/a", mount+"/A", 1); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, _, err := env.ops.Stat(mount + "/A/b/c.txt"); err != nil {
		t.Errorf("new descendant path: %v", err)
	}
	if _, _, err := env.ops.Stat(mount + "/a/b/c.txt"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("old path still resolves: %v", err)
	}
	if _, ok := env.reg.ResolveInode(mount + "/a/b/c.txt"); ok {
		t.Error("old inode mapping not evicted")
	}
	_ = ino

	// Aggregates moved with the tree.
	if d := env.dirStats(t, "/A"); d.SizeBytes != 3 {
		t.Errorf("/A size = %d, want 3", d.SizeBytes)
	}
	if root := env.dirStats(t, "/"); root.SizeBytes != 3 {
		t.Errorf("root size = %d, want 3", root.SizeBytes)
	}
}

func TestRename_CycleRefused(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	env.ops.Mkdir(ctx, mount+"/a", 0, 0, 0755, 1)

	err := env.ops.Rename(ctx, mount+"/a", mount+"/a/b", 1)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("cycle rename: %v", err)
	}
}

func TestRename_TargetExists(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	env.ops.CreateFile(ctx, mount+"/a.txt", 0, 0, 0644, 1)
	env.ops.CreateFile(ctx, mount+"/b.txt", 0, 0, 0644, 1)

	err := env.ops.Rename(ctx, mount+"/a.txt", mount+"/b.txt", 1)
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("rename onto existing: %v", err)
	}
}

func TestRename_AcrossDirectoriesMovesStats(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.ops.Mkdir(ctx, mount+"/src", 0, 0, 0755, 1)
	env.ops.Mkdir(ctx, mount+"/dst", 0, 0, 0755, 1)
	env.ops.CreateFile(ctx, mount+"/src/f.bin", 0, 0, 0644, 1)
	env.ops.FinishUpload(ctx, mount+"/src/f.bin", []byte("12345"), 1)

	if err := env.ops.Rename(ctx, mount+"/src/f.bin", mount+"/dst/f.bin", 1); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if d := env.dirStats(t, "/src"); d.SizeBytes != 0 || d.FileCount != 0 {
		t.Errorf("/src stats = %+v", d)
	}
	if d := env.dirStats(t, "/dst"); d.SizeBytes != 5 || d.FileCount != 1 {
		t.Errorf("/dst stats = %+v", d)
	}
}

func TestCopy_SameVault(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.ops.CreateFile(ctx, mount+"/orig.txt", 0, 0, 0644, 1)
	env.ops.FinishUpload(ctx, mount+"/orig.txt", []byte("copy me"), 1)

	if err := env.ops.Copy(ctx, mount+"/orig.txt", mount+"/dup.txt", 1); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	entry, file, err := env.ops.Stat(mount + "/dup.txt")
	if err != nil {
		t.Fatalf("stat dup: %v", err)
	}
	if file.SizeBytes != 7 {
		t.Errorf("dup size = %d", file.SizeBytes)
	}

	engine, _ := env.ops.Manager().Engine(env.vault.ID)
	data, err := engine.ReadFile(ctx, entry, file)
	if err != nil || string(data) != "copy me" {
		t.Errorf("dup bytes = %q, %v", data, err)
	}
	if env.dirStats(t, "/").SizeBytes != 14 {
		t.Errorf("root size = %d, want 14", env.dirStats(t, "/").SizeBytes)
	}
}

func TestFinishUpload_QuotaEnforced(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	// Shrink the vault's quota and refresh its engine.
	env.store.Update(func(tx *metadata.Tx) error {
		env.vault.Quota = 5
		return tx.UpdateVault(env.vault)
	})
	if err := env.ops.Manager().Register(ctx, env.vault); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	env.ops.CreateFile(ctx, mount+"/big.bin", 0, 0, 0644, 1)
	err := env.ops.FinishUpload(ctx, mount+"/big.bin", []byte("0123456789"), 1)
	if !errors.Is(err, errs.ErrQuotaExceeded) {
		t.Errorf("over-quota write: %v", err)
	}

	// A write within the quota still lands.
	if err := env.ops.FinishUpload(ctx, mount+"/big.bin", []byte("01234"), 1); err != nil {
		t.Errorf("within-quota write: %v", err)
	}
}

func TestSetAttr(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	env.ops.CreateFile(ctx, mount+"/m.txt", 0, 0, 0644, 1)

	mode := uint32(0600)
	uid := uint32(1234)
	if err := env.ops.SetAttr(mount+"/m.txt", &mode, &uid, nil, nil); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	entry, _, _ := env.ops.Stat(mount + "/m.txt")
	if entry.Mode != 0600 || entry.OwnerUID != 1234 {
		t.Errorf("entry after setattr = %+v", entry)
	}
}

func TestTruncate(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()
	env.ops.CreateFile(ctx, mount+"/t.bin", 0, 0, 0644, 1)
	env.ops.FinishUpload(ctx, mount+"/t.bin", []byte("0123456789"), 1)

	if err := env.ops.Truncate(ctx, mount+"/t.bin", 4, 1); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	entry, file, _ := env.ops.Stat(mount + "/t.bin")
	if file.SizeBytes != 4 {
		t.Errorf("size after shrink = %d", file.SizeBytes)
	}
	engine, _ := env.ops.Manager().Engine(env.vault.ID)
	data, _ := engine.ReadFile(ctx, entry, file)
	if string(data) != "0123" {
		t.Errorf("bytes after shrink = %q", data)
	}

	if err := env.ops.Truncate(ctx, mount+"/t.bin", 6, 1); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	_, file, _ = env.ops.Stat(mount + "/t.bin")
	if file.SizeBytes != 6 {
		t.Errorf("size after grow = %d", file.SizeBytes)
	}
}
