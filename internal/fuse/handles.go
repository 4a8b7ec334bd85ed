package fuse

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// openFile is one open-file record. Writes buffer here; Flush and Release
// push the buffer through the engine, which encrypts and persists.
type openFile struct {
	mu        sync.Mutex
	mountPath string
	uid       uint64

	data    []byte
	loaded  bool
	dirty   bool
	flushed bool
}

type handleTable struct {
	mu     sync.Mutex
	nextFh uint64
	open   map[uint64]*openFile
}

func newHandleTable() *handleTable {
	return &handleTable{nextFh: 1, open: make(map[uint64]*openFile)}
}

func (h *handleTable) add(f *openFile) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh := h.nextFh
	h.nextFh++
	h.open[fh] = f
	return fh
}

func (h *handleTable) get(fh uint64) (*openFile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.open[fh]
	return f, ok
}

func (h *handleTable) drop(fh uint64) (*openFile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.open[fh]
	delete(h.open, fh)
	return f, ok
}

func (b *Bridge) Create(cancel <-chan struct{}, input *gofuse.CreateIn, name string, out *gofuse.CreateOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		parentPath, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		mountPath := paths.Join(parentPath, name)

		entry, err := b.ops.CreateFile(ctx, mountPath, input.Uid, input.Gid, input.Mode&07777, uint64(input.Uid))
		if err != nil {
			return errno(err)
		}

		ino := b.registry.AssignInode(mountPath)
		b.registry.CacheEntry(mountPath, ino, entry)
		b.registry.IncrementLookup(ino)

		fh := b.handles.add(&openFile{
			mountPath: mountPath,
			uid:       uint64(input.Uid),
			loaded:    true, // fresh file, no bytes to load
			dirty:     true,
		})

		out.NodeId = ino
		b.fillAttr(entry, nil, ino, &out.Attr)
		out.SetEntryTimeout(b.entryTTL)
		out.SetAttrTimeout(b.entryTTL)
		out.Fh = fh
		return gofuse.OK
	})
}

func (b *Bridge) Open(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		path, st := b.pathOf(input.NodeId)
		if st != gofuse.OK {
			return st
		}
		if _, _, err := b.ops.Stat(path); err != nil {
			return errno(err)
		}
		out.Fh = b.handles.add(&openFile{
			mountPath: path,
			uid:       uint64(input.Uid),
		})
		return gofuse.OK
	})
}

// load materializes the file's plaintext into the handle once.
func (b *Bridge) load(ctx context.Context, f *openFile) error {
	if f.loaded {
		return nil
	}
	entry, file, err := b.ops.Stat(f.mountPath)
	if err != nil {
		return err
	}
	engine, _ := b.ops.Manager().ResolveVault(f.mountPath)
	if engine == nil || file.SizeBytes == 0 {
		f.data = nil
		f.loaded = true
		return nil
	}
	data, err := engine.ReadFile(ctx, entry, file)
	if err != nil {
		return err
	}
	f.data = data
	f.loaded = true
	return nil
}

func (b *Bridge) Read(cancel <-chan struct{}, input *gofuse.ReadIn, buf []byte) (gofuse.ReadResult, gofuse.Status) {
	f, ok := b.handles.get(input.Fh)
	if !ok {
		return nil, gofuse.Status(syscall.EBADF)
	}

	var result gofuse.ReadResult
	st := b.run(cancel, func(ctx context.Context) gofuse.Status {
		f.mu.Lock()
		defer f.mu.Unlock()

		if err := b.load(ctx, f); err != nil {
			return errno(err)
		}
		off := int64(input.Offset)
		if off >= int64(len(f.data)) {
			result = gofuse.ReadResultData(nil)
			return gofuse.OK
		}
		end := off + int64(input.Size)
		if end > int64(len(f.data)) {
			end = int64(len(f.data))
		}
		result = gofuse.ReadResultData(f.data[off:end])
		return gofuse.OK
	})
	return result, st
}

func (b *Bridge) Write(cancel <-chan struct{}, input *gofuse.WriteIn, data []byte) (uint32, gofuse.Status) {
	f, ok := b.handles.get(input.Fh)
	if !ok {
		return 0, gofuse.Status(syscall.EBADF)
	}

	var written uint32
	st := b.run(cancel, func(ctx context.Context) gofuse.Status {
		f.mu.Lock()
		defer f.mu.Unlock()

		if err := b.load(ctx, f); err != nil {
			return errno(err)
		}
		off := int(input.Offset)
		end := off + len(data)
		if end > len(f.data) {
			grown := make([]byte, end)
			copy(grown, f.data)
			f.data = grown
		}
		copy(f.data[off:end], data)
		f.dirty = true
		f.flushed = false
		written = uint32(len(data))
		return gofuse.OK
	})
	return written, st
}

// flush pushes dirty buffered bytes through fsops, which encrypts and
// persists them.
func (b *Bridge) flush(ctx context.Context, f *openFile) gofuse.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty || f.flushed {
		return gofuse.OK
	}
	if err := b.ops.FinishUpload(ctx, f.mountPath, f.data, f.uid); err != nil {
		return errno(err)
	}
	f.flushed = true
	return gofuse.OK
}

func (b *Bridge) Flush(cancel <-chan struct{}, input *gofuse.FlushIn) gofuse.Status {
	f, ok := b.handles.get(input.Fh)
	if !ok {
		return gofuse.OK
	}
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		return b.flush(ctx, f)
	})
}

func (b *Bridge) Fsync(cancel <-chan struct{}, input *gofuse.FsyncIn) gofuse.Status {
	f, ok := b.handles.get(input.Fh)
	if !ok {
		return gofuse.OK
	}
	return b.run(cancel, func(ctx context.Context) gofuse.Status {
		return b.flush(ctx, f)
	})
}

func (b *Bridge) Release(cancel <-chan struct{}, input *gofuse.ReleaseIn) {
	f, ok := b.handles.drop(input.Fh)
	if !ok {
		return
	}
	b.run(nil, func(ctx context.Context) gofuse.Status {
		return b.flush(ctx, f)
	})
}
