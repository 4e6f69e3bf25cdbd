package replicator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/store"
)

func newTestReplicator(t *testing.T, dbID string) (*Replicator, *store.Store) {
	t.Helper()
	backend, err := objstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st, err := store.New(backend, t.TempDir(), cat, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := Open(st, Config{
		Namespace: "ns1",
		DBID:      dbID,
		PageSize:  16,
		Logger:    log.NewNopLogger(),
		Reg:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return r, st
}

func page(n byte, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = n
	}
	return b
}

func TestOnFramesAssignsFrameNumbersAndAdvancesCommitted(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	err := r.OnFrames(16, []PageWrite{
		{PageNo: 1, Data: page(1, 16)},
		{PageNo: 2, Data: page(2, 16)},
	}, 2, true)
	require.NoError(t, err)

	require.Equal(t, uint64(2), r.CommittedFrameNo())
	require.Equal(t, uint64(0), r.DurableFrameNo())
}

func TestOnFramesWithNoPagesIsNoOp(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	require.NoError(t, r.OnFrames(16, []PageWrite{{PageNo: 1, Data: page(1, 16)}}, 1, true))
	require.Equal(t, uint64(1), r.CommittedFrameNo())

	err := r.OnFrames(16, nil, 0, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), r.CommittedFrameNo(), "zero-page commit must not clobber the last committed frame number")
}

func TestOnFramesRejectsPageZero(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	err := r.OnFrames(16, []PageWrite{{PageNo: 0, Data: page(1, 16)}}, 1, true)
	require.Error(t, err)
}

func TestOnFramesRejectsPageSizeChange(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	require.NoError(t, r.OnFrames(16, []PageWrite{{PageNo: 1, Data: page(1, 16)}}, 1, true))
	err := r.OnFrames(32, []PageWrite{{PageNo: 1, Data: page(1, 32)}}, 1, true)
	require.Error(t, err)
}

func TestOnUndoTruncatesAndResetsNextFrameNo(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	require.NoError(t, r.OnFrames(16, []PageWrite{
		{PageNo: 1, Data: page(1, 16)},
		{PageNo: 2, Data: page(2, 16)},
		{PageNo: 3, Data: page(3, 16)},
	}, 3, true))
	require.Equal(t, uint64(3), r.CommittedFrameNo())

	require.NoError(t, r.OnUndo(1))

	require.NoError(t, r.OnFrames(16, []PageWrite{{PageNo: 4, Data: page(4, 16)}}, 2, true))
	st := r.loadState()
	require.Equal(t, uint64(2), st.lastValidFrameNo)
}

func TestOnSavepointRollbackDelegatesToUndo(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	require.NoError(t, r.OnFrames(16, []PageWrite{
		{PageNo: 1, Data: page(1, 16)},
		{PageNo: 2, Data: page(2, 16)},
	}, 2, true))
	require.NoError(t, r.OnSavepointRollback(1))

	st := r.loadState()
	require.Equal(t, uint64(2), st.nextFrameNo)
}

func TestOnFramesAfterCloseFails(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")
	require.NoError(t, r.OnClose())

	err := r.OnFrames(16, []PageWrite{{PageNo: 1, Data: page(1, 16)}}, 1, true)
	require.Error(t, err)
}

func TestWaitUntilCommittedUnblocksOnAdvance(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- r.WaitUntilCommitted(ctx, 2)
	}()

	require.NoError(t, r.OnFrames(16, []PageWrite{
		{PageNo: 1, Data: page(1, 16)},
		{PageNo: 2, Data: page(2, 16)},
	}, 2, true))

	require.NoError(t, <-done)
}

func TestWaitUntilCommittedTimesOutWithoutCommit(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.WaitUntilCommitted(ctx, 5)
	require.Error(t, err)
}
