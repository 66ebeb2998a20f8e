package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemory_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 1; i <= 3; i++ {
		n, err := m.Acquire(ctx, "u1")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if n != int64(i) {
			t.Errorf("expected count %d, got %d", i, n)
		}
	}

	for i := 2; i >= 0; i-- {
		n, err := m.Release(ctx, "u1")
		if err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if n != int64(i) {
			t.Errorf("expected count %d, got %d", i, n)
		}
	}

	if _, ok := m.counts["u1"]; ok {
		t.Error("entry not removed at zero")
	}
}

func TestMemory_ReleaseUnknown(t *testing.T) {
	m := NewMemory()
	_, err := m.Release(context.Background(), "ghost")
	if !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if c, _ := m.Count(context.Background(), "ghost"); c != 0 {
		t.Errorf("count went negative: %d", c)
	}

	// Releasing past zero does not report a second transition.
	_, _ = m.Acquire(context.Background(), "u1")
	if n, err := m.Release(context.Background(), "u1"); err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
	if _, err := m.Release(context.Background(), "u1"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}
}

func TestMemory_Online(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Acquire(ctx, "a")
	_, _ = m.Acquire(ctx, "b")
	_, _ = m.Release(ctx, "b")

	online := m.Online()
	if len(online) != 1 || online[0] != "a" {
		t.Errorf("expected [a], got %v", online)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			_, _ = m.Acquire(ctx, "u")
		})
	}
	wg.Wait()

	for range 49 {
		wg.Go(func() {
			_, _ = m.Release(ctx, "u")
		})
	}
	wg.Wait()

	if n, _ := m.Count(ctx, "u"); n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
}
