package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrappedKindsMatch(t *testing.T) {
	err := fmt.Errorf("download docs/a.txt: %w", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped ErrNotFound not matched")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("wrapped ErrNotFound matched ErrAuth")
	}
}

func TestTransient(t *testing.T) {
	if !Transient(fmt.Errorf("PUT returned 503: %w", ErrTransientIO)) {
		t.Error("5xx should be transient")
	}
	if !Transient(ErrBusy) {
		t.Error("busy should be transient")
	}
	if Transient(ErrAuth) {
		t.Error("auth errors are fatal for the run")
	}
}
