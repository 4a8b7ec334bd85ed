// Package registry is the in-memory inode cache: it maps kernel inodes to
// paths and persisted entries, tracks kernel lookup counts, and queues
// metadata-only renames. Evicting an inode only releases kernel-visible
// caching; the persisted entry row is untouched.
package registry

import (
	"strings"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// RootInode is reserved for the mount root.
const RootInode uint64 = 1

// PendingRename queues a logical (metadata-only) rename distinct from a
// physical copy.
type PendingRename struct {
	Ino     uint64
	OldPath string
	NewPath string
}

// Registry guards all maps with a single readers-writer lock. It never holds
// the lock across calls into the storage engine.
type Registry struct {
	mu sync.RWMutex

	nextInode     uint64
	inodeToPath   map[uint64]string
	pathToInode   map[string]uint64
	inodeToEntry  map[uint64]*metadata.Entry
	pathToEntry   map[string]*metadata.Entry
	inodeToID     map[uint64]uint64
	idToEntry     map[uint64]*metadata.Entry
	childToParent map[uint64]uint64

	lookupCounts   map[uint64]uint64
	pendingRenames map[uint64]*PendingRename
}

func New() *Registry {
	r := &Registry{
		nextInode:      2, // 1 is reserved for root
		inodeToPath:    make(map[uint64]string),
		pathToInode:    make(map[string]uint64),
		inodeToEntry:   make(map[uint64]*metadata.Entry),
		pathToEntry:    make(map[string]*metadata.Entry),
		inodeToID:      make(map[uint64]uint64),
		idToEntry:      make(map[uint64]*metadata.Entry),
		childToParent:  make(map[uint64]uint64),
		lookupCounts:   make(map[uint64]uint64),
		pendingRenames: make(map[uint64]*PendingRename),
	}
	r.inodeToPath[RootInode] = "/"
	r.pathToInode["/"] = RootInode
	return r
}

// AssignInode is the only producer of inodes. Assigning the same path twice
// returns the existing inode.
func (r *Registry) AssignInode(path string) uint64 {
	path = paths.MakeAbsolute(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ino, ok := r.pathToInode[path]; ok {
		return ino
	}
	ino := r.nextInode
	r.nextInode++
	r.pathToInode[path] = ino
	r.inodeToPath[ino] = path
	return ino
}

// ResolvePath returns the path bound to an inode.
func (r *Registry) ResolvePath(ino uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.inodeToPath[ino]
	return p, ok
}

// ResolveInode returns the inode bound to a path, if any.
func (r *Registry) ResolveInode(path string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ino, ok := r.pathToInode[paths.MakeAbsolute(path)]
	return ino, ok
}

// CacheEntry binds an entry to its mount path and inode.
func (r *Registry) CacheEntry(path string, ino uint64, e *metadata.Entry) {
	path = paths.MakeAbsolute(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.inodeToEntry[ino] = e
	r.pathToEntry[path] = e
	r.inodeToID[ino] = e.ID
	r.idToEntry[e.ID] = e
	if e.ParentID != 0 {
		r.childToParent[e.ID] = e.ParentID
	}
}

// EntryByInode returns the cached entry for an inode.
func (r *Registry) EntryByInode(ino uint64) (*metadata.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.inodeToEntry[ino]
	return e, ok
}

// EntryByPath returns the cached entry for a mount path.
func (r *Registry) EntryByPath(path string) (*metadata.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pathToEntry[paths.MakeAbsolute(path)]
	return e, ok
}

// EntryByID returns the cached entry for a persistent id.
func (r *Registry) EntryByID(id uint64) (*metadata.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.idToEntry[id]
	return e, ok
}

// IncrementLookup records a kernel lookup of an inode.
func (r *Registry) IncrementLookup(ino uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookupCounts[ino]++
}

// DecrementInodeRef subtracts n from an inode's lookup count (the forget
// hook). When the count reaches zero and the entry is no longer reachable
// from its cached parent, the in-memory caches are dropped; the persisted row
// is not.
func (r *Registry) DecrementInodeRef(ino uint64, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.lookupCounts[ino]
	if n >= count {
		r.lookupCounts[ino] = 0
	} else {
		r.lookupCounts[ino] = count - n
		return
	}

	e, ok := r.inodeToEntry[ino]
	if ok && r.reachableLocked(e) {
		return
	}
	r.evictInoLocked(ino)
}

// reachableLocked reports whether the entry's parent still lists it (by
// cached parent link).
func (r *Registry) reachableLocked(e *metadata.Entry) bool {
	parentID, ok := r.childToParent[e.ID]
	if !ok {
		return false
	}
	_, parentCached := r.idToEntry[parentID]
	return parentCached
}

// LookupCount reads an inode's current count.
func (r *Registry) LookupCount(ino uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupCounts[ino]
}

// EvictIno forcibly drops the caches for one inode.
func (r *Registry) EvictIno(ino uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictInoLocked(ino)
}

func (r *Registry) evictInoLocked(ino uint64) {
	if ino == RootInode {
		return
	}
	path, ok := r.inodeToPath[ino]
	if ok {
		delete(r.pathToInode, path)
		delete(r.pathToEntry, path)
	}
	if e, ok := r.inodeToEntry[ino]; ok {
		delete(r.idToEntry, e.ID)
		delete(r.childToParent, e.ID)
	}
	delete(r.inodeToPath, ino)
	delete(r.inodeToEntry, ino)
	delete(r.inodeToID, ino)
	delete(r.lookupCounts, ino)
	delete(r.pendingRenames, ino)
}

// EvictPath drops the caches for a path and its whole cached subtree. Must be
// called on rename and remove.
func (r *Registry) EvictPath(path string) {
	path = paths.MakeAbsolute(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	var doomed []uint64
	for p, ino := range r.pathToInode {
		if p == path || strings.HasPrefix(p, path+"/") {
			doomed = append(doomed, ino)
		}
	}
	for _, ino := range doomed {
		r.evictInoLocked(ino)
	}
}

// QueueRename records a pending logical rename for an inode.
func (r *Registry) QueueRename(ino uint64, oldPath, newPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingRenames[ino] = &PendingRename{
		Ino:     ino,
		OldPath: paths.MakeAbsolute(oldPath),
		NewPath: paths.MakeAbsolute(newPath),
	}
}

// TakeRename pops the pending rename of an inode, if any.
func (r *Registry) TakeRename(ino uint64) (*PendingRename, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.pendingRenames[ino]
	if ok {
		delete(r.pendingRenames, ino)
	}
	return pr, ok
}

// Stats reports cache occupancy.
func (r *Registry) Stats() (inodes, entries int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inodeToPath), len(r.inodeToEntry)
}
