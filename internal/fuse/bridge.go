// Package fuse implements the low-level kernel bridge: raw request dispatch
// against the entry registry, the filesystem ops layer and the storage
// manager. The receive loop runs on the go-fuse server's dedicated threads;
// request work is funneled through the shared worker pool.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/fsops"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/registry"
	"github.com/vaulthalla/vaulthalla/internal/workerpool"
)

// Bridge implements the raw FUSE protocol over the entry registry and fsops.
type Bridge struct {
	gofuse.RawFileSystem

	ops      *fsops.Ops
	registry *registry.Registry
	pool     *workerpool.Pool
	log      *slog.Logger

	entryTTL time.Duration
	handles  *handleTable

	server *gofuse.Server
}

// NewBridge wires the bridge. The pool is shared with the sync engine.
func NewBridge(ops *fsops.Ops, reg *registry.Registry, pool *workerpool.Pool, cfg *config.Config, log *slog.Logger) *Bridge {
	ttl := time.Duration(cfg.Fuse.EntryTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Bridge{
		RawFileSystem: gofuse.NewDefaultRawFileSystem(),
		ops:           ops,
		registry:      reg,
		pool:          pool,
		log:           log,
		entryTTL:      ttl,
		handles:       newHandleTable(),
	}
}

// Mount attaches the bridge at mountPoint and returns once the kernel
// handshake finished. Serve runs on its own goroutine; Unmount stops it.
func (b *Bridge) Mount(mountPoint string, allowOther bool) error {
	opts := &gofuse.MountOptions{
		FsName:       "vaulthalla",
		Name:         "vaulthalla",
		AllowOther:   allowOther,
		MaxWrite:     1 << 20,
		MaxReadAhead: 1 << 20,
	}
	server, err := gofuse.NewServer(b, mountPoint, opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	b.server = server

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return fmt.Errorf("wait mount: %w", err)
	}
	b.log.Info("fuse mounted", "mountpoint", mountPoint)
	return nil
}

// Unmount detaches the filesystem, which makes the receive loop exit.
func (b *Bridge) Unmount() error {
	if b.server == nil {
		return nil
	}
	return b.server.Unmount()
}

// run executes fn on the worker pool and blocks for its result, bridging the
// kernel's per-request thread into the bounded pool.
func (b *Bridge) run(cancel <-chan struct{}, fn func(ctx context.Context) gofuse.Status) gofuse.Status {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-ctx.Done():
		}
	}()

	result := make(chan gofuse.Status, 1)
	if err := b.pool.Submit(func() { result <- fn(ctx) }); err != nil {
		return gofuse.EINTR
	}
	return <-result
}

func (b *Bridge) pathOf(ino uint64) (string, gofuse.Status) {
	path, ok := b.registry.ResolvePath(ino)
	if !ok {
		return "", gofuse.ENOENT
	}
	return path, gofuse.OK
}

func (b *Bridge) fillAttr(entry *metadata.Entry, file *metadata.File, ino uint64, out *gofuse.Attr) {
	out.Ino = ino
	out.Mode = entry.Mode
	if entry.IsDir() {
		out.Mode |= 0040000 // S_IFDIR
		out.Nlink = 2
	} else {
		out.Mode |= 0100000 // S_IFREG
		out.Nlink = 1
	}
	out.Owner.Uid = entry.OwnerUID
	out.Owner.Gid = entry.GroupGID
	out.Ctime = uint64(entry.CreatedAt)
	out.Mtime = uint64(entry.UpdatedAt)
	if file != nil {
		out.Size = file.SizeBytes
		if file.UpdatedAt > 0 {
			out.Mtime = uint64(file.UpdatedAt)
		}
		out.Blocks = (file.SizeBytes + 511) / 512
	}
}

// Lookup resolves (parent, name), assigning an inode and bumping the kernel
// lookup count.
func (b *Bridge) Lookup(cancel <-chan struct{}, header *gofuse.InHeader, name string, out *gofuse.EntryOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		parentPath, st := b.pathOf(header.NodeId)
		if st != gofuse.OK {
			return st
		}
		mountPath := paths.Join(parentPath, name)

		entry, ok := b.registry.EntryByPath(mountPath)
		var file *metadata.File
		if ok && entry.Kind == metadata.KindFile {
			// Still need the payload row for size.
			_, f, err := b.ops.Stat(mountPath)
			if err != nil {
				return errno(err)
			}
			file = f
		}
		if !ok {
			var err error
			entry, file, err = b.ops.Stat(mountPath)
			if err != nil {
				return errno(err)
			}
		}

		ino := b.registry.AssignInode(mountPath)
		b.registry.CacheEntry(mountPath, ino, entry)
		b.registry.IncrementLookup(ino)

		out.NodeId = ino
		b.fillAttr(entry, file, ino, &out.Attr)
		out.SetEntryTimeout(b.entryTTL)
		out.SetAttrTimeout(b.entryTTL)
		return gofuse.OK
	})
}

// Forget drops kernel references; the registry evicts once unreachable.
func (b *Bridge) Forget(nodeid, nlookup uint64) {
	b.registry.DecrementInodeRef(nodeid, nlookup)
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *gofuse.GetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		path, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		if path == "/" {
			out.Ino = input.NodeId
			out.Mode = 0040000 | 0755
			out.Nlink = 2
			out.SetTimeout(b.entryTTL)
			return gofuse.OK
		}
		entry, file, err := b.ops.Stat(path)
		if err != nil {
			return errno(err)
		}
		b.fillAttr(entry, file, input.NodeId, &out.Attr)
		out.SetTimeout(b.entryTTL)
		return gofuse.OK
	})
}

func (b *Bridge) SetAttr(cancel <-chan struct{}, input *gofuse.SetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		path, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}

		var modePtr, uidPtr, gidPtr *uint32
		var mtimePtr *int64
		if mode, ok := input.GetMode(); ok {
			m := mode & 07777
			modePtr = &m
		}
		if uid, ok := input.GetUID(); ok {
			uidPtr = &uid
		}
		if gid, ok := input.GetGID(); ok {
			gidPtr = &gid
		}
		if mt, ok := input.GetMTime(); ok {
			sec := mt.Unix()
			mtimePtr = &sec
		}
		if modePtr != nil || uidPtr != nil || gidPtr != nil || mtimePtr != nil {
			if err := b.ops.SetAttr(path, modePtr, uidPtr, gidPtr, mtimePtr); err != nil {
				return errno(err)
			}
		}
		if size, ok := input.GetSize(); ok {
			if err := b.ops.Truncate(ctx, path, size, uint64(input.Uid)); err != nil {
				return errno(err)
			}
		}

		entry, file, err := b.ops.Stat(path)
		if err != nil {
			return errno(err)
		}
		b.registry.CacheEntry(path, input.NodeId, entry)
		b.fillAttr(entry, file, input.NodeId, &out.Attr)
		out.SetTimeout(b.entryTTL)
		return gofuse.OK
	})
}

// Access is advisory; the permission module layered above makes the real
// decision.
func (b *Bridge) Access(cancel <-chan struct{}, input *gofuse.AccessIn) gofuse.Status {
	_, st := b.pathOf(input.NodeId)
	return st
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, input *gofuse.MkdirIn, name string, out *gofuse.EntryOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		parentPath, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		mountPath := paths.Join(parentPath, name)

		entry, err := b.ops.Mkdir(ctx, mountPath, input.Uid, input.Gid, input.Mode&07777, uint64(input.Uid))
		if err != nil {
			return errno(err)
		}

		ino := b.registry.AssignInode(mountPath)
		b.registry.CacheEntry(mountPath, ino, entry)
		b.registry.IncrementLookup(ino)

		out.NodeId = ino
		b.fillAttr(entry, nil, ino, &out.Attr)
		out.SetEntryTimeout(b.entryTTL)
		out.SetAttrTimeout(b.entryTTL)
		return gofuse.OK
	})
}

func (b *Bridge) Unlink(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		parentPath, st := b.pathOf(header.NodeId)
		if st != gofuse.OK {
			return st
		}
		return errno(b.ops.RemoveFile(ctx, paths.Join(parentPath, name), uint64(header.Uid)))
	})
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		parentPath, st := b.pathOf(header.NodeId)
		if st != gofuse.OK {
			return st
		}
		return errno(b.ops.RemoveDir(ctx, paths.Join(parentPath, name), uint64(header.Uid)))
	})
}

func (b *Bridge) Rename(cancel <-chan struct{}, input *gofuse.RenameIn, oldName string, newName string) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		oldParent, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		newParent, st := b.pathOf(input.Newdir)
		if st != gofuse.OK {
			return st
		}
		from := paths.Join(oldParent, oldName)
		to := paths.Join(newParent, newName)
		return errno(b.ops.Rename(ctx, from, to, uint64(input.Uid)))
	})
}

// ReadDir lists children through the store (never recursively), always
// prepending "." and "..". The kernel offset skips already-consumed entries
// so large directories page correctly.
func (b *Bridge) ReadDir(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		entries, st := b.dirEntries(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		for i := int(input.Offset); i < len(entries); i++ {
			if !out.AddDirEntry(entries[i]) {
				break
			}
		}
		return gofuse.OK
	})
}

func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		path, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		entries, st := b.dirEntries(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		for i := int(input.Offset); i < len(entries); i++ {
			de := entries[i]
			entryOut := out.AddDirLookupEntry(de)
			if entryOut == nil {
				break
			}
			if de.Name == "." || de.Name == ".." {
				continue
			}
			childPath := paths.Join(path, de.Name)
			entry, file, err := b.ops.Stat(childPath)
			if err != nil {
				continue
			}
			ino := b.registry.AssignInode(childPath)
			b.registry.CacheEntry(childPath, ino, entry)
			b.registry.IncrementLookup(ino)
			entryOut.NodeId = ino
			b.fillAttr(entry, file, ino, &entryOut.Attr)
			entryOut.SetEntryTimeout(b.entryTTL)
			entryOut.SetAttrTimeout(b.entryTTL)
		}
		return gofuse.OK
	})
}

func (b *Bridge) dirEntries(ino uint64) ([]gofuse.DirEntry, gofuse.Status) {
	path, st := b.pathOf(ino)
	if st != gofuse.OK {
		return nil, st
	}

	out := []gofuse.DirEntry{
		{Name: ".", Mode: 0040000, Ino: ino},
		{Name: "..", Mode: 0040000},
	}

	entry, _, err := b.ops.Stat(path)
	if err != nil {
		if path == "/" && errors.Is(err, errs.ErrNotFound) {
			return out, gofuse.OK
		}
		return nil, errno(err)
	}
	children, err := b.ops.Manager().ListDir(entry.ID)
	if err != nil {
		return nil, errno(err)
	}
	for _, child := range children {
		mode := uint32(0100000)
		if child.IsDir() {
			mode = 0040000
		}
		out = append(out, gofuse.DirEntry{
			Name: child.Name,
			Mode: mode,
			Ino:  b.registry.AssignInode(paths.Join(path, child.Name)),
		})
	}
	return out, gofuse.OK
}

// StatFs reports vault size against free space from the engine.
func (b *Bridge) StatFs(cancel <-chan struct{}, input *gofuse.InHeader, out *gofuse.StatfsOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		const bsize = 4096
		out.Bsize = bsize
		out.Frsize = bsize
		out.NameLen = 255

		path, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			path = "/"
		}
		engine, _ := b.ops.Manager().ResolveVault(path)
		if engine == nil {
			return gofuse.OK
		}

		free, err := engine.FreeSpace()
		if err != nil {
			return errno(err)
		}
		used, err := engine.VaultSize(b.ops.Store())
		if err != nil {
			used = 0
		}
		out.Blocks = (used + free) / bsize
		out.Bfree = free / bsize
		out.Bavail = free / bsize
		return gofuse.OK
	})
}
