package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

func TestAssignInode_Idempotent(t *testing.T) {
	r := New()
	a := r.AssignInode("/users/admin/v1/a.txt")
	b := r.AssignInode("/users/admin/v1/a.txt")
	if a != b {
		t.Errorf("double assignment: %d vs %d", a, b)
	}
	if a < 2 {
		t.Errorf("inode = %d, want >= 2 (1 reserved for root)", a)
	}
}

func TestAssignInode_UniquePerPath(t *testing.T) {
	r := New()
	seen := make(map[uint64]string)
	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/f%d", i)
		ino := r.AssignInode(path)
		if prev, ok := seen[ino]; ok {
			t.Fatalf("inode %d assigned to both %s and %s", ino, prev, path)
		}
		seen[ino] = path
	}
}

func TestRootMapping(t *testing.T) {
	r := New()
	if ino := r.AssignInode("/"); ino != RootInode {
		t.Errorf("root inode = %d, want 1", ino)
	}
	p, ok := r.ResolvePath(RootInode)
	if !ok || p != "/" {
		t.Errorf("root path = %q, %v", p, ok)
	}
}

func TestCacheAndLookups(t *testing.T) {
	r := New()
	e := &metadata.Entry{ID: 42, ParentID: 1, Path: "/v1/a.txt", Name: "a.txt", Kind: metadata.KindFile}
	ino := r.AssignInode("/users/admin/v1/a.txt")
	r.CacheEntry("/users/admin/v1/a.txt", ino, e)

	if got, ok := r.EntryByInode(ino); !ok || got.ID != 42 {
		t.Error("EntryByInode miss")
	}
	if got, ok := r.EntryByPath("/users/admin/v1/a.txt"); !ok || got.ID != 42 {
		t.Error("EntryByPath miss")
	}
	if got, ok := r.EntryByID(42); !ok || got.Path != "/v1/a.txt" {
		t.Error("EntryByID miss")
	}
}

func TestDecrementInodeRef_DropsAtZeroWhenUnreachable(t *testing.T) {
	r := New()
	e := &metadata.Entry{ID: 7, ParentID: 99, Path: "/x", Name: "x"}
	ino := r.AssignInode("/x")
	r.CacheEntry("/x", ino, e)

	r.IncrementLookup(ino)
	r.IncrementLookup(ino)

	// Parent 99 is not cached, so the entry is unreachable once the count
	// hits zero.
	r.DecrementInodeRef(ino, 1)
	if _, ok := r.EntryByInode(ino); !ok {
		t.Fatal("entry dropped while count > 0")
	}
	r.DecrementInodeRef(ino, 1)
	if _, ok := r.EntryByInode(ino); ok {
		t.Error("entry kept at zero count and unreachable")
	}
	if _, ok := r.ResolveInode("/x"); ok {
		t.Error("path mapping kept after eviction")
	}
}

func TestDecrementInodeRef_KeptWhileReachable(t *testing.T) {
	r := New()
	parent := &metadata.Entry{ID: 10, ParentID: 1, Path: "/d", Name: "d", Kind: metadata.KindDirectory}
	child := &metadata.Entry{ID: 11, ParentID: 10, Path: "/d/f", Name: "f", Kind: metadata.KindFile}

	pIno := r.AssignInode("/d")
	r.CacheEntry("/d", pIno, parent)
	cIno := r.AssignInode("/d/f")
	r.CacheEntry("/d/f", cIno, child)

	r.IncrementLookup(cIno)
	r.DecrementInodeRef(cIno, 1)

	// Parent is cached, so the child stays reachable and cached.
	if _, ok := r.EntryByInode(cIno); !ok {
		t.Error("reachable entry evicted at zero count")
	}
}

func TestEvictPath_Subtree(t *testing.T) {
	r := New()
	for _, p := range []string{"/a", "/a/b", "/a/b/c.txt", "/ab"} {
		ino := r.AssignInode(p)
		r.CacheEntry(p, ino, &metadata.Entry{ID: ino, Path: p})
	}

	r.EvictPath("/a")

	for _, p := range []string{"/a", "/a/b", "/a/b/c.txt"} {
		if _, ok := r.ResolveInode(p); ok {
			t.Errorf("%s survived subtree eviction", p)
		}
	}
	// Sibling with a shared name prefix but different path component stays.
	if _, ok := r.ResolveInode("/ab"); !ok {
		t.Error("/ab wrongly evicted")
	}
}

func TestEvictIno_RootProtected(t *testing.T) {
	r := New()
	r.EvictIno(RootInode)
	if _, ok := r.ResolvePath(RootInode); !ok {
		t.Error("root evicted")
	}
}

func TestPendingRenames(t *testing.T) {
	r := New()
	ino := r.AssignInode("/old")
	r.QueueRename(ino, "/old", "/new")

	pr, ok := r.TakeRename(ino)
	if !ok || pr.OldPath != "/old" || pr.NewPath != "/new" {
		t.Errorf("pending rename = %+v, %v", pr, ok)
	}
	if _, ok := r.TakeRename(ino); ok {
		t.Error("rename not consumed by take")
	}
}

func TestConcurrentAssign(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	inodes := make([]uint64, 64)
	for i := range inodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inodes[i] = r.AssignInode("/shared")
		}(i)
	}
	wg.Wait()
	for _, ino := range inodes {
		if ino != inodes[0] {
			t.Fatal("concurrent assignment produced different inodes for one path")
		}
	}
}
