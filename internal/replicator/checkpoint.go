package replicator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/libsql-go/walreplicator/internal/walerr"
)

// OnCheckpoint implements Hook. Checkpoint modes weaker than
// CheckpointTruncate are silently ignored to avoid ever handing out a
// partial log. A truncating checkpoint seals the active segment, blocks
// until it is durably uploaded, then allocates a new generation and, when
// an image source is configured, uploads a fresh snapshot (with no image
// source the snapshot step is skipped). Because OnCheckpoint is only ever invoked
// while the caller holds the single write slot (the Connection Manager's
// job), there is no concurrent writer to coordinate with here — unlike the
// teacher's background rotation goroutine, this can simply do the work
// synchronously and return.
func (r *Replicator) OnCheckpoint(ctx context.Context, mode CheckpointMode) error {
	if mode < CheckpointTruncate {
		r.metrics.checkpointsIgnored.Inc()
		return nil
	}

	r.writeMu.Lock()
	st := r.loadState()
	preWatermark := st.lastValidFrameNo
	sealTime := time.Now()

	_, err := r.store.SealAndUpload(r.namespace, r.dbID, st.generation, st.tail, sealTime, r.durable.advance)
	r.writeMu.Unlock()
	if err != nil {
		r.metrics.checkpoints.WithLabelValues("seal_failed").Inc()
		return fmt.Errorf("replicator: checkpoint seal: %w", walerr.ErrIoWrite)
	}

	if err := r.durable.waitUntilAtLeast(ctx, preWatermark); err != nil {
		r.metrics.checkpoints.WithLabelValues("watermark_wait_failed").Inc()
		return fmt.Errorf("replicator: checkpoint wait for durability: %w", walerr.ErrIoWrite)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	newGeneration := NewGenerationID(time.Now())
	newSaltPair := newSalts()

	if r.images != nil {
		image, err := r.images.DBImage()
		if err != nil {
			r.metrics.checkpoints.WithLabelValues("snapshot_read_failed").Inc()
			return fmt.Errorf("replicator: checkpoint read db image: %w", walerr.ErrIoWrite)
		}
		if err := r.store.StoreSnapshot(ctx, r.dbID, newGeneration, bytes.NewReader(image), int64(len(image))); err != nil {
			r.metrics.checkpoints.WithLabelValues("snapshot_upload_failed").Inc()
			return fmt.Errorf("replicator: checkpoint upload snapshot: %w", walerr.ErrIoWrite)
		}
	}

	newTail, err := r.store.CreateActiveSegment(r.dbID, newGeneration, st.pageSize, newSaltPair, 1)
	if err != nil {
		r.metrics.checkpoints.WithLabelValues("new_segment_failed").Inc()
		return fmt.Errorf("replicator: checkpoint create new segment: %w", walerr.ErrIoWrite)
	}

	r.state.Store(&replState{
		generation:  newGeneration,
		tail:        newTail,
		pageSize:    st.pageSize,
		salts:       newSaltPair,
		nextFrameNo: 1,
	})
	r.metrics.generationRotations.Inc()
	r.metrics.checkpoints.WithLabelValues("success").Inc()
	return nil
}
