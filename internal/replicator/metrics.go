package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type replicatorMetrics struct {
	framesWritten      prometheus.Counter
	commits            prometheus.Counter
	undoTruncations    prometheus.Counter
	checkpoints        *prometheus.CounterVec
	checkpointsIgnored prometheus.Counter
	generationRotations prometheus.Counter
	committedFrameNo   prometheus.Gauge
}

func newReplicatorMetrics(reg prometheus.Registerer) *replicatorMetrics {
	return &replicatorMetrics{
		framesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicator_frames_written",
			Help: "replicator_frames_written counts frames appended to the active segment.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicator_commits",
			Help: "replicator_commits counts commit frames observed.",
		}),
		undoTruncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicator_undo_truncations",
			Help: "replicator_undo_truncations counts on_undo/on_savepoint_rollback calls.",
		}),
		checkpoints: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_checkpoints_total",
			Help: "replicator_checkpoints_total counts checkpoint calls by outcome.",
		}, []string{"outcome"}),
		checkpointsIgnored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicator_checkpoints_ignored",
			Help: "replicator_checkpoints_ignored counts checkpoint calls weaker than truncate.",
		}),
		generationRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicator_generation_rotations",
			Help: "replicator_generation_rotations counts successful generation rotations.",
		}),
		committedFrameNo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "replicator_committed_frame_no",
			Help: "replicator_committed_frame_no is the last commit frame number observed in the current generation.",
		}),
	}
}
