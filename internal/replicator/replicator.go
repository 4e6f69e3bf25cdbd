package replicator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/segment"
	"github.com/libsql-go/walreplicator/internal/store"
	"github.com/libsql-go/walreplicator/internal/walerr"
)

// replState is the current generation's mutable write-path state. Writers
// read it via atomic.Value so OnFrames/OnUndo never block on a lock held
// only for bookkeeping; writeMu is still required before any mutation, the
// same split the teacher's WAL uses between s atomic.Value and writeMu.
type replState struct {
	generation       string
	tail             *segment.Writer
	pageSize         int
	salts            [2]uint32
	nextFrameNo      uint64
	lastValidFrameNo uint64
}

// Replicator is the C3 WAL hook and restore driver for one database.
type Replicator struct {
	namespace string
	dbID      string

	store   *store.Store
	images  DBImageSource
	logger  log.Logger
	metrics *replicatorMetrics

	state   atomic.Value // *replState
	writeMu sync.Mutex

	committed watermark
	durable   watermark

	closed uint32
}

// Config bundles the construction-time parameters for a Replicator.
type Config struct {
	Namespace string
	DBID      string
	PageSize  int
	Images    DBImageSource
	Logger    log.Logger
	Reg       prometheus.Registerer
}

// Open creates a Replicator with a fresh generation and active segment.
// Recovering an existing database's contents is done by calling Restore
// (restore.go) on the returned Replicator.
func Open(st *store.Store, cfg Config) (*Replicator, error) {
	r := &Replicator{
		namespace: cfg.Namespace,
		dbID:      cfg.DBID,
		store:     st,
		images:    cfg.Images,
		logger:    cfg.Logger,
		metrics:   newReplicatorMetrics(cfg.Reg),
	}
	generation := NewGenerationID(time.Now())
	salts := newSalts()
	tail, err := st.CreateActiveSegment(cfg.DBID, generation, cfg.PageSize, salts, 1)
	if err != nil {
		return nil, fmt.Errorf("replicator: create active segment: %w", err)
	}
	r.state.Store(&replState{
		generation:  generation,
		tail:        tail,
		pageSize:    cfg.PageSize,
		salts:       salts,
		nextFrameNo: 1,
	})
	return r, nil
}

func (r *Replicator) loadState() *replState { return r.state.Load().(*replState) }

// Generation returns the generation currently being written.
func (r *Replicator) Generation() string { return r.loadState().generation }

// CommittedFrameNo returns the last commit frame number observed so far in
// the current generation.
func (r *Replicator) CommittedFrameNo() uint64 { return r.committed.get() }

// DurableFrameNo returns the highest frame number known acknowledged by
// remote object storage in the current generation.
func (r *Replicator) DurableFrameNo() uint64 { return r.durable.get() }

// WaitUntilCommitted blocks until frameNo has been committed in memory.
func (r *Replicator) WaitUntilCommitted(ctx context.Context, frameNo uint64) error {
	return r.committed.waitUntilAtLeast(ctx, frameNo)
}

// WaitUntilSnapshotted blocks until frameNo has been durably uploaded.
func (r *Replicator) WaitUntilSnapshotted(ctx context.Context, frameNo uint64) error {
	return r.durable.waitUntilAtLeast(ctx, frameNo)
}

// OnFrames implements Hook.
func (r *Replicator) OnFrames(pageSize int, pages []PageWrite, sizeAfter uint32, isCommit bool) error {
	if len(pages) == 0 {
		// A call with zero dirty pages is a no-op: it must not advance
		// nextFrameNo, lastValidFrameNo, or any watermark.
		return nil
	}
	if atomic.LoadUint32(&r.closed) == 1 {
		return walerr.ErrFatal
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	st := r.loadState()
	if st.pageSize != 0 && st.pageSize != pageSize {
		return fmt.Errorf("replicator: page size changed from %d to %d: %w", st.pageSize, pageSize, walerr.ErrIoWrite)
	}
	if st.pageSize == 0 {
		st.pageSize = pageSize
	}

	var lastFrameNo uint64
	for i, p := range pages {
		if p.PageNo == 0 {
			return fmt.Errorf("replicator: frame with page_no 0: %w", walerr.ErrFormat)
		}
		frameNo := st.nextFrameNo
		fr := frame.Frame{FrameNo: frameNo, PageNo: p.PageNo, Page: p.Data}
		if isCommit && i == len(pages)-1 {
			fr.SizeAfter = sizeAfter
		}
		if _, err := st.tail.Append(fr); err != nil {
			return fmt.Errorf("replicator: append frame: %w", walerr.ErrIoWrite)
		}
		st.nextFrameNo++
		lastFrameNo = frameNo
	}
	r.metrics.framesWritten.Add(float64(len(pages)))

	if isCommit {
		st.lastValidFrameNo = lastFrameNo
		r.metrics.commits.Inc()
		r.metrics.committedFrameNo.Set(float64(lastFrameNo))
		r.committed.advance(lastFrameNo)
	}
	return nil
}

// OnUndo implements Hook.
func (r *Replicator) OnUndo(lastValidFrameNo uint64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	st := r.loadState()
	if err := st.tail.TruncateTo(lastValidFrameNo); err != nil {
		return fmt.Errorf("replicator: undo: %w", walerr.ErrIoWrite)
	}
	st.nextFrameNo = lastValidFrameNo + 1
	r.metrics.undoTruncations.Inc()
	return nil
}

// OnSavepointRollback implements Hook.
func (r *Replicator) OnSavepointRollback(frameNo uint64) error {
	return r.OnUndo(frameNo)
}

// OnClose implements Hook.
func (r *Replicator) OnClose() error {
	atomic.StoreUint32(&r.closed, 1)
	return nil
}

func newSalts() [2]uint32 {
	u := uuid.New()
	var a, b uint32
	for i := 0; i < 4; i++ {
		a = a<<8 | uint32(u[i])
		b = b<<8 | uint32(u[i+4])
	}
	if a == 0 {
		a = 1
	}
	if b == 0 {
		b = 1
	}
	return [2]uint32{a, b}
}

// NewGenerationID mints a fresh, time-ordered, opaque generation
// identifier. Exported so callers outside this package that mint
// generations directly (the admin CLI's "create" command, which seeds a
// generation from an existing database file without going through Open)
// use the same format LatestGeneration's lexicographic-max scan expects.
func NewGenerationID(now time.Time) string {
	return fmt.Sprintf("%016x-%s", uint64(now.UnixNano()), uuid.NewString()[:8])
}
