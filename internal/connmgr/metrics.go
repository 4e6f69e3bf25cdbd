package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type connMetrics struct {
	acquires      prometheus.Counter
	releases      prometheus.Counter
	busyErrors    prometheus.Counter
	staleReads    prometheus.Counter
	abortsInvoked prometheus.Counter
	queueFlushes  prometheus.Counter
	checkpoints   prometheus.Counter
	queueDepth    prometheus.Gauge
}

func newConnMetrics(reg prometheus.Registerer) *connMetrics {
	return &connMetrics{
		acquires: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_acquires_total",
			Help: "connmgr_acquires_total counts successful write slot acquisitions.",
		}),
		releases: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_releases_total",
			Help: "connmgr_releases_total counts write slot releases.",
		}),
		busyErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_busy_total",
			Help: "connmgr_busy_total counts DatabaseBusy returns from begin write transaction.",
		}),
		staleReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_stale_reads_total",
			Help: "connmgr_stale_reads_total counts acquires abandoned by a forced queue flush.",
		}),
		abortsInvoked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_aborts_invoked_total",
			Help: "connmgr_aborts_invoked_total counts forced rollback invocations.",
		}),
		queueFlushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_queue_flushes_total",
			Help: "connmgr_queue_flushes_total counts restart/truncate checkpoints that flushed the waiting queue.",
		}),
		checkpoints: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "connmgr_checkpoints_total",
			Help: "connmgr_checkpoints_total counts checkpoint calls.",
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connmgr_queue_depth",
			Help: "connmgr_queue_depth is the number of connections currently waiting for the write slot.",
		}),
	}
}
