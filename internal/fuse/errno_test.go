package fuse

import (
	"fmt"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want gofuse.Status
	}{
		{nil, gofuse.OK},
		{errs.ErrNotFound, gofuse.ENOENT},
		{errs.ErrPermissionDenied, gofuse.EACCES},
		{errs.ErrAlreadyExists, gofuse.Status(syscall.EEXIST)},
		{errs.ErrQuotaExceeded, gofuse.Status(syscall.EDQUOT)},
		{errs.ErrInsufficientSpace, gofuse.Status(syscall.EDQUOT)},
		{errs.ErrNotEmpty, gofuse.Status(syscall.ENOTEMPTY)},
		{errs.ErrInvalidArgument, gofuse.EINVAL},
		{errs.ErrTransientIO, gofuse.EIO},
		{errs.ErrAuth, gofuse.EIO},
		{fmt.Errorf("plain"), gofuse.EIO},
	}
	for _, tt := range tests {
		if got := errno(tt.err); got != tt.want {
			t.Errorf("errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestErrnoMapping_Wrapped(t *testing.T) {
	err := fmt.Errorf("lookup /a/b: %w", errs.ErrNotFound)
	if got := errno(err); got != gofuse.ENOENT {
		t.Errorf("wrapped not-found = %v", got)
	}
}
