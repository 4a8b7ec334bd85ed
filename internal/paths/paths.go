// Package paths translates between the four coordinate systems a vault file
// lives in: mount-relative, vault-relative, backing-absolute and
// cache-absolute. All paths use forward slashes and are normalized lexically.
package paths

import (
	"fmt"
	gopath "path"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// Type names one of the configured physical roots.
type Type int

const (
	FuseRoot Type = iota
	VaultRoot
	CacheRoot
	ThumbnailRoot
	FileCacheRoot
	BackingRoot
	BackingVaultRoot
)

func (t Type) String() string {
	switch t {
	case FuseRoot:
		return "fuse_root"
	case VaultRoot:
		return "vault_root"
	case CacheRoot:
		return "cache_root"
	case ThumbnailRoot:
		return "thumbnail_root"
	case FileCacheRoot:
		return "file_cache_root"
	case BackingRoot:
		return "backing_root"
	case BackingVaultRoot:
		return "backing_vault_root"
	}
	return "unknown"
}

// Path holds the resolved base paths for one vault. The cache tree lives
// under the backing root and splits into files/ and thumbnails/ lanes.
type Path struct {
	fuseRoot         string
	vaultRoot        string
	cacheRoot        string
	thumbnailRoot    string
	fileCacheRoot    string
	backingRoot      string
	backingVaultRoot string
}

// New derives the per-vault roots. fuseMount and backingMount are the vault's
// mount point relative to the global fuse root and backing root; cacheDir is
// the cache directory name under the backing root (usually ".cache").
func New(globalFuseRoot, globalBackingRoot, cacheDir, fuseMount, backingMount string) *Path {
	cacheRoot := join(globalBackingRoot, StripLeadingSlash(cacheDir), StripLeadingSlash(backingMount))
	return &Path{
		fuseRoot:         gopath.Clean(globalFuseRoot),
		vaultRoot:        join(globalFuseRoot, StripLeadingSlash(fuseMount)),
		cacheRoot:        cacheRoot,
		thumbnailRoot:    join(cacheRoot, "thumbnails"),
		fileCacheRoot:    join(cacheRoot, "files"),
		backingRoot:      gopath.Clean(globalBackingRoot),
		backingVaultRoot: join(globalBackingRoot, StripLeadingSlash(backingMount)),
	}
}

// Base returns the configured base path for a root type.
func (p *Path) Base(t Type) (string, error) {
	switch t {
	case FuseRoot:
		return p.fuseRoot, nil
	case VaultRoot:
		return p.vaultRoot, nil
	case CacheRoot:
		return p.cacheRoot, nil
	case ThumbnailRoot:
		return p.thumbnailRoot, nil
	case FileCacheRoot:
		return p.fileCacheRoot, nil
	case BackingRoot:
		return p.backingRoot, nil
	case BackingVaultRoot:
		return p.backingVaultRoot, nil
	}
	return "", fmt.Errorf("path type %d: %w", int(t), errs.ErrInvalidArgument)
}

// Abs joins a relative path under the named root. The synthetic root "/"
// maps to the base path without appending.
func (p *Path) Abs(rel string, t Type) (string, error) {
	base, err := p.Base(t)
	if err != nil {
		return "", err
	}
	stripped := StripLeadingSlash(rel)
	if stripped == "" || stripped == "/" {
		return base, nil
	}
	return join(base, stripped), nil
}

// Rel returns abs relative to the named root, as a "/"-rooted path. A path
// outside the root falls back to its filename component only, so a crafted
// traversal can never escape the root when rejoined.
func (p *Path) Rel(abs string, t Type) (string, error) {
	base, err := p.Base(t)
	if err != nil {
		return "", err
	}
	norm := gopath.Clean(abs)
	if norm == base {
		return "/", nil
	}
	if strings.HasPrefix(norm, base+"/") {
		return MakeAbsolute(strings.TrimPrefix(norm, base)), nil
	}
	return MakeAbsolute(gopath.Base(norm)), nil
}

// Translate re-expresses a path given relative to `from` as a "/"-rooted
// path relative to `to`. For example a mount-relative "/users/admin/v1/a.txt"
// with a vault root at "/users/admin/v1" translates to the vault-relative
// "/a.txt".
func (p *Path) Translate(path string, from, to Type) (string, error) {
	abs, err := p.Abs(path, from)
	if err != nil {
		return "", err
	}
	return p.Rel(abs, to)
}

// TranslateAbs converts a path absolute under `from` into a path absolute
// under `to`.
func (p *Path) TranslateAbs(path string, from, to Type) (string, error) {
	rel, err := p.Rel(path, from)
	if err != nil {
		return "", err
	}
	return p.Abs(rel, to)
}

// StripLeadingSlash normalizes a path and removes its leading slash so it can
// be joined under a root. Traversal components are resolved against the root,
// so the result can never climb above it. "/" and "" normalize to "".
func StripLeadingSlash(p string) string {
	if p == "" {
		return ""
	}
	norm := gopath.Clean("/" + p)
	if norm == "/" {
		return ""
	}
	return strings.TrimPrefix(norm, "/")
}

// MakeAbsolute normalizes p into a "/"-rooted form. Traversal components that
// would climb above the root are discarded by the lexical clean.
func MakeAbsolute(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// ResolveParent returns the parent of a vault-relative path; the root is its
// own parent.
func ResolveParent(p string) string {
	norm := MakeAbsolute(p)
	if norm == "/" {
		return "/"
	}
	parent := gopath.Dir(norm)
	if parent == "" || parent == "." {
		return "/"
	}
	return parent
}

// Join joins vault-relative components into a normalized absolute form.
func Join(parts ...string) string {
	return MakeAbsolute(gopath.Join(parts...))
}

// InferMimeType guesses a mime type from the file extension.
func InferMimeType(p string) string {
	switch strings.ToLower(gopath.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md":
		return "text/plain"
	case ".html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}

func join(base string, parts ...string) string {
	return gopath.Clean(gopath.Join(append([]string{base}, parts...)...))
}
