package fuse

import (
	"errors"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// errno converts a core error kind into the status replied to the kernel.
func errno(err error) gofuse.Status {
	switch {
	case err == nil:
		return gofuse.OK
	case errors.Is(err, errs.ErrNotFound):
		return gofuse.ENOENT
	case errors.Is(err, errs.ErrPermissionDenied):
		return gofuse.EACCES
	case errors.Is(err, errs.ErrAlreadyExists):
		return gofuse.Status(syscall.EEXIST)
	case errors.Is(err, errs.ErrQuotaExceeded), errors.Is(err, errs.ErrInsufficientSpace):
		return gofuse.Status(syscall.EDQUOT)
	case errors.Is(err, errs.ErrNotEmpty):
		return gofuse.Status(syscall.ENOTEMPTY)
	case errors.Is(err, errs.ErrInvalidArgument):
		return gofuse.EINVAL
	case errors.Is(err, errs.ErrBusy):
		return gofuse.Status(syscall.EBUSY)
	case errors.Is(err, errs.ErrCancelled):
		return gofuse.EINTR
	case errors.Is(err, errs.ErrTransientIO), errors.Is(err, errs.ErrFatalIO),
		errors.Is(err, errs.ErrAuth), errors.Is(err, errs.ErrCorrupt):
		return gofuse.EIO
	default:
		return gofuse.EIO
	}
}
