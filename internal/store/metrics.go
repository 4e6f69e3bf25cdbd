package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	uploadsEnqueued   prometheus.Counter
	uploadsSucceeded  prometheus.Counter
	uploadsFailed     prometheus.Counter
	uploadBytes       prometheus.Counter
	downloadsAttempted prometheus.Counter
	downloadBytes     prometheus.Counter
	watermarkFrameNo  prometheus.Gauge
	pendingUploadsAge prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		uploadsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_uploads_enqueued",
			Help: "segment_uploads_enqueued counts segments handed to the uploader.",
		}),
		uploadsSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_uploads_succeeded",
			Help: "segment_uploads_succeeded counts segments durably persisted to remote storage.",
		}),
		uploadsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_uploads_failed",
			Help: "segment_uploads_failed counts uploads that exhausted the retry threshold.",
		}),
		uploadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_upload_bytes",
			Help: "segment_upload_bytes counts bytes shipped to remote storage after compression.",
		}),
		downloadsAttempted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_downloads_attempted",
			Help: "segment_downloads_attempted counts FetchSegment, FetchSegmentBody and FetchIndex calls.",
		}),
		downloadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_download_bytes",
			Help: "segment_download_bytes counts bytes read back from remote storage.",
		}),
		watermarkFrameNo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "durability_watermark_frame_no",
			Help: "durability_watermark_frame_no is the highest frame number known durable in remote storage.",
		}),
		pendingUploadsAge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pending_upload_age_seconds",
			Help: "pending_upload_age_seconds is how long the oldest unacknowledged upload has been queued.",
		}),
	}
}
