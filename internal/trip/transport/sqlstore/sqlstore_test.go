package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

const testPath = "trips/test/expenses"

func openStore(t *testing.T, file string, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := Open(context.Background(), file, Config{PollInterval: 10 * time.Millisecond, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dbFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "docs.db")
}

func TestReadWriteValue(t *testing.T) {
	s := openStore(t, dbFile(t), nil)
	ctx := context.Background()

	snap, err := s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.False(t, snap.Exists)

	require.NoError(t, s.WriteAtPath(ctx, testPath, json.RawMessage(`[ 1, 2 ]`)))
	snap, err = s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	require.JSONEq(t, `[1,2]`, string(snap.Value))

	err = s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{}`))
	require.ErrorIs(t, err, transport.ErrShapeMismatch)
	require.ErrorIs(t, s.DeleteAtKey(ctx, testPath, "a"), transport.ErrShapeMismatch)
}

func TestKeyedEntries_KeepCreatedAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000))
	s := openStore(t, dbFile(t), clock)
	ctx := context.Background()

	require.NoError(t, s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{"id":"a","n":1}`)))
	clock.Advance(time.Second)
	require.NoError(t, s.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{"id":"a","n":2}`)))
	require.NoError(t, s.WriteAtKey(ctx, testPath, "b", json.RawMessage(`{"id":"b"}`)))

	snap, err := s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"id":"a","n":2},"b":{"id":"b"}}`, string(snap.Value))
	require.Equal(t, map[string]int64{"a": 1_000, "b": 2_000}, snap.CreatedAt)

	require.NoError(t, s.DeleteAtKey(ctx, testPath, "a"))
	require.NoError(t, s.DeleteAtKey(ctx, testPath, "missing"))
	snap, err = s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.Equal(t, `{"b":{"id":"b"}}`, string(snap.Value))
}

func TestWriteAtPath_ObjectReplacesEntries(t *testing.T) {
	s := openStore(t, dbFile(t), nil)
	ctx := context.Background()

	require.NoError(t, s.WriteAtKey(ctx, testPath, "old", json.RawMessage(`{"id":"old"}`)))
	require.NoError(t, s.WriteAtPath(ctx, testPath, json.RawMessage(`{"new":{"id":"new"}}`)))

	snap, err := s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.Equal(t, `{"new":{"id":"new"}}`, string(snap.Value))

	// Switching back to a single value drops the entries.
	require.NoError(t, s.WriteAtPath(ctx, testPath, json.RawMessage(`[]`)))
	snap, err = s.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.Equal(t, `[]`, string(snap.Value))
	require.Empty(t, snap.CreatedAt)
}

func TestSubscribe_CatchUpAndEcho(t *testing.T) {
	s := openStore(t, dbFile(t), nil)
	snaps := make(chan transport.Snapshot, 16)
	sub, err := s.Subscribe(testPath, func(snap transport.Snapshot) { snaps <- snap }, nil)
	require.NoError(t, err)
	defer sub.Cancel()

	first := receive(t, snaps)
	require.False(t, first.Exists)

	require.NoError(t, s.WriteAtKey(context.Background(), testPath, "a", json.RawMessage(`{"id":"a"}`)))
	echo := receive(t, snaps)
	require.Equal(t, `{"a":{"id":"a"}}`, string(echo.Value))
}

func TestSubscribe_SeesOtherConnection(t *testing.T) {
	file := dbFile(t)
	a := openStore(t, file, nil)
	b := openStore(t, file, nil)

	snaps := make(chan transport.Snapshot, 16)
	sub, err := a.Subscribe(testPath, func(snap transport.Snapshot) { snaps <- snap }, nil)
	require.NoError(t, err)
	defer sub.Cancel()
	receive(t, snaps)

	require.NoError(t, b.WriteAtPath(context.Background(), testPath, json.RawMessage(`["from b"]`)))
	got := receive(t, snaps)
	require.Equal(t, `["from b"]`, string(got.Value))
}

func TestClose(t *testing.T) {
	s, err := Open(context.Background(), dbFile(t), Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ReadOnce(context.Background(), testPath)
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, s.WriteAtKey(context.Background(), testPath, "a", json.RawMessage(`{}`)), transport.ErrClosed)
}

func receive(t *testing.T, snaps <-chan transport.Snapshot) transport.Snapshot {
	t.Helper()
	select {
	case snap := <-snaps:
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return transport.Snapshot{}
	}
}
