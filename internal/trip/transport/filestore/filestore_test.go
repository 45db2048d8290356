package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

const testPath = "trips/test/expenses"

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Config{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recorder struct {
	snaps chan transport.Snapshot
}

func subscribe(t *testing.T, s *Store, path string) *recorder {
	t.Helper()
	r := &recorder{snaps: make(chan transport.Snapshot, 32)}
	sub, err := s.Subscribe(path, func(snap transport.Snapshot) { r.snaps <- snap }, nil)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	t.Cleanup(sub.Cancel)
	return r
}

func (r *recorder) next(t *testing.T) transport.Snapshot {
	t.Helper()
	select {
	case snap := <-r.snaps:
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return transport.Snapshot{}
	}
}

// waitFor skips snapshots until one carries want.
func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-r.snaps:
			if string(snap.Value) == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestReadOnce_Absent(t *testing.T) {
	s := openStore(t, t.TempDir())

	snap, err := s.ReadOnce(context.Background(), testPath)
	if err != nil {
		t.Fatalf("ReadOnce() failed: %v", err)
	}
	if snap.Exists {
		t.Errorf("expected absent snapshot, got %s", snap.Value)
	}
}

func TestWriteAtPath_Array(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	if err := s.WriteAtPath(ctx, testPath, json.RawMessage(`[ {"id": "a"} ]`)); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "trips", "test", "expenses.json")); err != nil {
		t.Fatalf("value file missing: %v", err)
	}

	snap, err := s.ReadOnce(ctx, testPath)
	if err != nil {
		t.Fatalf("ReadOnce() failed: %v", err)
	}
	if got, want := string(snap.Value), `[{"id":"a"}]`; got != want {
		t.Errorf("value = %s, want %s", got, want)
	}
}

func TestKeyedOperations(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	if err := s.WriteAtKey(ctx, testPath, "b", json.RawMessage(`{"id":"b"}`)); err != nil {
		t.Fatalf("WriteAtKey(b) failed: %v", err)
	}
	if err := s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{"id":"a"}`)); err != nil {
		t.Fatalf("WriteAtKey(a) failed: %v", err)
	}

	snap, err := s.ReadOnce(ctx, testPath)
	if err != nil {
		t.Fatalf("ReadOnce() failed: %v", err)
	}
	if got, want := string(snap.Value), `{"a":{"id":"a"},"b":{"id":"b"}}`; got != want {
		t.Errorf("value = %s, want %s", got, want)
	}

	if err := s.DeleteAtKey(ctx, testPath, "a"); err != nil {
		t.Fatalf("DeleteAtKey() failed: %v", err)
	}
	if err := s.DeleteAtKey(ctx, testPath, "missing"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}

	snap, _ = s.ReadOnce(ctx, testPath)
	if got, want := string(snap.Value), `{"b":{"id":"b"}}`; got != want {
		t.Errorf("value = %s, want %s", got, want)
	}

	if err := s.WriteAtKey(ctx, testPath, "../x", json.RawMessage(`{}`)); !errors.Is(err, transport.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestWriteAtPath_ObjectReplacesEntries(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	if err := s.WriteAtKey(ctx, testPath, "old", json.RawMessage(`{"id":"old"}`)); err != nil {
		t.Fatalf("WriteAtKey() failed: %v", err)
	}
	if err := s.WriteAtPath(ctx, testPath, json.RawMessage(`{"new":{"id":"new"}}`)); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "trips", "test", "expenses", "old.json")); !os.IsNotExist(err) {
		t.Errorf("stale entry should be removed, stat err = %v", err)
	}
	snap, _ := s.ReadOnce(ctx, testPath)
	if got, want := string(snap.Value), `{"new":{"id":"new"}}`; got != want {
		t.Errorf("value = %s, want %s", got, want)
	}
}

func TestShapeMismatch(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	if err := s.WriteAtPath(ctx, testPath, json.RawMessage(`[]`)); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}
	err := s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{}`))
	if !errors.Is(err, transport.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSubscribe_CatchUpAndEcho(t *testing.T) {
	s := openStore(t, t.TempDir())
	r := subscribe(t, s, testPath)

	if snap := r.next(t); snap.Exists {
		t.Fatalf("catch-up should be absent, got %s", snap.Value)
	}

	if err := s.WriteAtKey(context.Background(), testPath, "a", json.RawMessage(`{"id":"a"}`)); err != nil {
		t.Fatalf("WriteAtKey() failed: %v", err)
	}
	r.waitFor(t, `{"a":{"id":"a"}}`)
}

func TestSubscribe_SeesOtherProcess(t *testing.T) {
	dir := t.TempDir()
	a := openStore(t, dir)
	b := openStore(t, dir)

	r := subscribe(t, a, testPath)
	r.next(t)

	if err := b.WriteAtPath(context.Background(), testPath, json.RawMessage(`[1,2]`)); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}
	r.waitFor(t, `[1,2]`)

	// Switching to a keyed mapping creates a directory that must be watched.
	if err := b.WriteAtPath(context.Background(), testPath, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}
	r.waitFor(t, `{}`)
	if err := b.WriteAtKey(context.Background(), testPath, "x", json.RawMessage(`{"id":"x"}`)); err != nil {
		t.Fatalf("WriteAtKey() failed: %v", err)
	}
	r.waitFor(t, `{"x":{"id":"x"}}`)
}

func TestSubscribe_UnchangedNotRedelivered(t *testing.T) {
	s := openStore(t, t.TempDir())
	r := subscribe(t, s, testPath)
	r.next(t)

	ctx := context.Background()
	value := json.RawMessage(`["same"]`)
	if err := s.WriteAtPath(ctx, testPath, value); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}
	r.waitFor(t, `["same"]`)

	if err := s.WriteAtPath(ctx, testPath, value); err != nil {
		t.Fatalf("WriteAtPath() failed: %v", err)
	}
	select {
	case snap := <-r.snaps:
		t.Errorf("unexpected redelivery: %s", snap.Value)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	if err := s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("WriteAtKey() failed: %v", err)
	}
	keyed := filepath.Join(dir, "trips", "test", "expenses")
	if err := os.Chmod(keyed, 0o500); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	t.Cleanup(func() { os.Chmod(keyed, 0o755) })

	err := s.WriteAtKey(ctx, testPath, "b", json.RawMessage(`{}`))
	if !errors.Is(err, transport.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if transport.IsRetryable(err) {
		t.Error("permission errors must not be retryable")
	}
}

func TestClose(t *testing.T) {
	s, err := Open(t.TempDir(), Config{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}

	if _, err := s.ReadOnce(context.Background(), testPath); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.WriteAtPath(context.Background(), testPath, json.RawMessage(`[]`)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
