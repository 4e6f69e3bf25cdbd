package connmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/libsql-go/walreplicator/internal/walerr"
)

type fakeStarter struct {
	mu      sync.Mutex
	busyFor map[string]int
	err     error
}

func newFakeStarter() *fakeStarter { return &fakeStarter{busyFor: map[string]int{}} }

func (f *fakeStarter) BeginWrite(ctx context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if n := f.busyFor[connID]; n > 0 {
		f.busyFor[connID] = n - 1
		return walerr.ErrBusy
	}
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(Config{
		TxnTimeout:   50 * time.Millisecond,
		AcquireGrace: 20 * time.Millisecond,
		Reg:          prometheus.NewRegistry(),
	})
}

func TestAcquireUncontendedSucceeds(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx, "c1", starter, func() {}))
	require.Equal(t, Acquired, m.slot.state)
	require.Equal(t, "c1", m.slot.holder)
}

func TestReleaseSchedulesNextWaiterFIFO(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx, "c1", starter, func() {}))

	order := make(chan string, 2)
	go func() {
		if err := m.Acquire(ctx, "c2", starter, func() {}); err == nil {
			order <- "c2"
			m.Release("c2")
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		if err := m.Acquire(ctx, "c3", starter, func() {}); err == nil {
			order <- "c3"
			m.Release("c3")
		}
	}()
	time.Sleep(10 * time.Millisecond)

	m.Release("c1")

	require.Equal(t, "c2", <-order)
	require.Equal(t, "c3", <-order)
}

func TestAcquireTimesOutHolderAndForcesAbort(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()

	ctx1, cancel1 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel1()
	var aborted int32
	require.NoError(t, m.Acquire(ctx1, "c1", starter, func() {
		aborted = 1
		m.Release("c1") // simulates the forced rollback releasing the slot
	}))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, m.Acquire(ctx2, "c2", starter, func() {}))

	require.Equal(t, int32(1), aborted)
	require.Equal(t, "c2", m.slot.holder)
}

func TestAcquireReturnsBusyOnFailure(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()
	starter.busyFor["c1"] = 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Acquire(ctx, "c1", starter, func() {})
	require.True(t, errors.Is(err, walerr.ErrBusy))
	require.Equal(t, Failure, m.slot.state)
}

func TestAcquireContextCanceledReturnsError(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()

	ctx1, cancel1 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel1()
	require.NoError(t, m.Acquire(ctx1, "c1", starter, func() {}))

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	err := m.Acquire(ctx2, "c2", starter, func() {})
	require.Error(t, err)
}

func TestCheckpointRestartFlushesQueueAndMarksStaleRead(t *testing.T) {
	m := newTestManager(t)
	starter := newFakeStarter()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx, "c1", starter, func() {}))

	chkDone := make(chan error, 1)
	go func() {
		chkDone <- m.Checkpoint(context.Background(), "chk", starter, CheckpointRestart, func(effective CheckpointMode) error {
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // chk enqueues behind c1

	waiterErr := make(chan error, 1)
	go func() {
		bgCtx, bgCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer bgCancel()
		waiterErr <- m.Acquire(bgCtx, "c3", starter, func() {})
	}()
	time.Sleep(10 * time.Millisecond) // c3 enqueues behind chk

	m.Release("c1") // chk acquires, runs its checkpoint fn, flushes the queue

	require.NoError(t, <-chkDone)
	err := <-waiterErr
	require.True(t, errors.Is(err, walerr.ErrStaleRead))
}

func TestAbortIsIdempotentForUnknownConn(t *testing.T) {
	m := newTestManager(t)
	require.NotPanics(t, func() { m.Abort("nobody") })
}
