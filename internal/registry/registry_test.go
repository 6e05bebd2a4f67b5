package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
)

func newTestRegistry(t *testing.T, inactivityWindow time.Duration) *Registry {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateSession(context.Background(), "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return New(st, nil, nil, inactivityWindow)
}

func TestAcquireWriterIsExclusive(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	ctx := context.Background()

	release, err := r.AcquireWriter(ctx, "sess-1", "writer-a")
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}

	var gotSecond atomic.Bool
	go func() {
		release2, err := r.AcquireWriter(ctx, "sess-1", "writer-b")
		if err == nil {
			gotSecond.Store(true)
			release2()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if gotSecond.Load() {
		t.Fatal("second writer acquired the lock while the first still held it")
	}

	release()
	time.Sleep(20 * time.Millisecond)
	if !gotSecond.Load() {
		t.Fatal("second writer did not acquire the lock after release")
	}
}

func TestAcquireWriterRespectsContextCancellation(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	ctx := context.Background()

	release, err := r.AcquireWriter(ctx, "sess-1", "writer-a")
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = r.AcquireWriter(cctx, "sess-1", "writer-b")
	if err == nil {
		t.Fatal("expected AcquireWriter to fail after context cancellation")
	}
}

func TestTouchResetsInactivityTimer(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := r.Touch(ctx, "sess-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount())
	}

	time.Sleep(60 * time.Millisecond)
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after inactivity window elapsed", r.ActiveCount())
	}
}
