package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

func TestRunAll_Barrier(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var done atomic.Int32
	tasks := make([]func() error, 16)
	for i := range tasks {
		tasks[i] = func() error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}
	}

	errsOut := p.RunAll(context.Background(), tasks)
	if done.Load() != 16 {
		t.Errorf("RunAll returned before all tasks finished: %d", done.Load())
	}
	for _, err := range errsOut {
		if err != nil {
			t.Errorf("task error: %v", err)
		}
	}
}

func TestRunAll_CollectsErrorsInOrder(t *testing.T) {
	p := New(2)
	defer p.Stop()

	tasks := []func() error{
		func() error { return nil },
		func() error { return fmt.Errorf("boom") },
		func() error { return nil },
	}
	out := p.RunAll(context.Background(), tasks)
	if out[0] != nil || out[1] == nil || out[2] != nil {
		t.Errorf("errors = %v", out)
	}
}

func TestRunAll_CancelledContext(t *testing.T) {
	p := New(2)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.RunAll(ctx, []func() error{func() error { return nil }})
	if !errors.Is(out[0], errs.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", out[0])
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(1)
	p.Stop()
	if err := p.Submit(func() {}); !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("submit after stop: %v", err)
	}
}

func TestStop_DrainsInFlight(t *testing.T) {
	p := New(2)
	var done atomic.Int32
	for i := 0; i < 8; i++ {
		p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
		})
	}
	p.Stop()
	if done.Load() != 8 {
		t.Errorf("Stop returned with %d/8 tasks done", done.Load())
	}
}

func TestGo(t *testing.T) {
	p := New(1)
	defer p.Stop()
	if err := <-p.Go(func() error { return nil }); err != nil {
		t.Errorf("Go err = %v", err)
	}
	if err := <-p.Go(func() error { return fmt.Errorf("x") }); err == nil {
		t.Error("Go swallowed error")
	}
}
