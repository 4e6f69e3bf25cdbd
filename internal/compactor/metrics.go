package compactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type compactorMetrics struct {
	compactions       prometheus.Counter
	compactionsFailed prometheus.Counter
	segmentsReplaced  prometheus.Counter
	bytesBefore       prometheus.Counter
}

func newCompactorMetrics(reg prometheus.Registerer) *compactorMetrics {
	return &compactorMetrics{
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_runs_total",
			Help: "compactor_runs_total counts successful compaction passes.",
		}),
		compactionsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_failures_total",
			Help: "compactor_failures_total counts compaction passes that failed and discarded their output.",
		}),
		segmentsReplaced: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_segments_replaced_total",
			Help: "compactor_segments_replaced_total counts input segments retired across all compaction passes.",
		}),
		bytesBefore: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_bytes_before_total",
			Help: "compactor_bytes_before_total sums the stored size of segments a compaction pass replaced.",
		}),
	}
}
