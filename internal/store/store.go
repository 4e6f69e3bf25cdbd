// Package store implements the Segment Store (spec §4.2): it persists
// sealed segments locally, ships them to remote object storage, lists and
// fetches remote segments for restore, and manages full-database snapshots
// and generation retention.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/retry"
	"github.com/libsql-go/walreplicator/internal/segment"
)

// Compression selects how segment bodies are compressed before upload. The
// local copy is always stored uncompressed so the active/replay path never
// pays a codec tax; compression only applies to the remote object.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) ext(base string) string {
	switch c {
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zstd"
	default:
		return base
	}
}

// Store is the C2 Segment Store.
type Store struct {
	backend     objstore.Backend
	localDir    string
	cat         *catalog.Catalog
	logger      log.Logger
	metrics     *storeMetrics
	retryPolicy retry.Policy
	compression Compression

	uploadCh chan uploadJob
	wg       sync.WaitGroup
}

// uploadJob is what the lister/sealer side hands to the single upload
// worker. Jobs are enqueued in ascending start_frame_no order and consumed
// by exactly one goroutine, which is what gives us "upload task does not
// start N+1 until N has been enqueued" for free.
type uploadJob struct {
	dbID, generation string
	header           frame.SegmentHeader
	bodyPath         string
	indexPath        string
	onDurable        func(frameNo uint64)
	onFailure        func(err error)
}

// New constructs a Store and starts its background upload worker. Callers
// must call Close to drain the worker before process exit.
func New(backend objstore.Backend, localDir string, cat *catalog.Catalog, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", localDir, err)
	}
	s := &Store{
		backend:     backend,
		localDir:    localDir,
		cat:         cat,
		logger:      logger,
		metrics:     newStoreMetrics(reg),
		retryPolicy: retry.DefaultPolicy,
		uploadCh:    make(chan uploadJob, 64),
	}
	s.wg.Add(1)
	go s.runUploader()
	return s, nil
}

// SetCompression overrides the default (none) compression mode for
// subsequent uploads.
func (s *Store) SetCompression(c Compression) { s.compression = c }

// Close stops accepting new uploads and waits for the worker to drain.
func (s *Store) Close() error {
	close(s.uploadCh)
	s.wg.Wait()
	return nil
}

// activeSegmentPath is where an unsealed segment's body lives on disk
// before it has a final start/end key.
func (s *Store) activeSegmentPath(dbID, generation string) string {
	return filepath.Join(s.localDir, fmt.Sprintf("%s-%s.active", dbID, generation))
}

// CreateActiveSegment opens a fresh local segment file ready to receive
// frames starting at startFrameNo.
func (s *Store) CreateActiveSegment(dbID, generation string, pageSize int, salts [2]uint32, startFrameNo uint64) (*segment.Writer, error) {
	f, err := os.Create(s.activeSegmentPath(dbID, generation))
	if err != nil {
		return nil, fmt.Errorf("store: create active segment: %w", err)
	}
	return segment.NewWriter(f, pageSize, salts, startFrameNo)
}

func (s *Store) bodyPath(dbID, generation string, h frame.SegmentHeader) string {
	return filepath.Join(s.localDir, fmt.Sprintf("%s-%s-%s.segment", dbID, generation, segmentKeyName(h.StartFrameNo, h.EndFrameNo)))
}

func (s *Store) indexPath(dbID, generation string, h frame.SegmentHeader) string {
	return filepath.Join(s.localDir, fmt.Sprintf("%s-%s-%s.index", dbID, generation, segmentKeyName(h.StartFrameNo, h.EndFrameNo)))
}

// SealAndUpload seals w, gives the sealed body and index their final
// on-disk names, records them in the local catalog, and enqueues an
// asynchronous upload. onDurable is invoked from the upload worker
// goroutine once the upload succeeds; it is the hook the replicator uses to
// advance the durability watermark. The active segment continues to accept
// writes right up until this call; after it returns, w must not be reused.
func (s *Store) SealAndUpload(namespace, dbID, generation string, w *segment.Writer, sealTime time.Time, onDurable func(frameNo uint64)) (catalog.Key, error) {
	header, idx, err := w.Seal(sealTime.Unix())
	if err != nil {
		return catalog.Key{}, err
	}
	if err := w.Close(); err != nil {
		return catalog.Key{}, fmt.Errorf("store: close sealed segment: %w", err)
	}
	return s.finishSegment(namespace, dbID, generation, header, s.activeSegmentPath(dbID, generation), idx, sealTime.Unix(), onDurable)
}

// UploadCompactedSegment finalizes and uploads a segment body the
// compactor produced outside the normal active-segment path: bodyPath is a
// private temp file (not a store-managed active-segment path), and
// ownership of it transfers to the store, which renames it into place.
// There is no onDurable hook since nothing in the replication core waits
// on a compacted segment's durability the way OnCheckpoint waits on a
// live one.
func (s *Store) UploadCompactedSegment(namespace, dbID, generation string, header frame.SegmentHeader, bodyPath string, idx []byte, sealTimeUnix int64) (catalog.Key, error) {
	return s.finishSegment(namespace, dbID, generation, header, bodyPath, idx, sealTimeUnix, nil)
}

// finishSegment is the shared tail of SealAndUpload and
// UploadCompactedSegment: give the sealed body its final on-disk name,
// write its index alongside, record it in the local catalog, and enqueue
// the asynchronous remote upload.
func (s *Store) finishSegment(namespace, dbID, generation string, header frame.SegmentHeader, bodySrcPath string, idx []byte, sealTimeUnix int64, onDurable func(frameNo uint64)) (catalog.Key, error) {
	bodyDst := s.bodyPath(dbID, generation, header)
	if err := os.Rename(bodySrcPath, bodyDst); err != nil {
		return catalog.Key{}, fmt.Errorf("store: rename sealed segment: %w", err)
	}
	indexDst := s.indexPath(dbID, generation, header)
	if err := os.WriteFile(indexDst, idx, 0o644); err != nil {
		return catalog.Key{}, fmt.Errorf("store: write local index: %w", err)
	}

	bodyInfo, err := os.Stat(bodyDst)
	if err != nil {
		return catalog.Key{}, err
	}

	key := catalog.Key{StartFrameNo: header.StartFrameNo, EndFrameNo: header.EndFrameNo, TimestampUnix: sealTimeUnix}
	if err := s.cat.Put(namespace, key, uint64(bodyInfo.Size())+uint64(len(idx))); err != nil {
		return catalog.Key{}, fmt.Errorf("store: catalog put: %w", err)
	}

	s.metrics.uploadsEnqueued.Inc()
	s.uploadCh <- uploadJob{
		dbID:       dbID,
		generation: generation,
		header:     header,
		bodyPath:   bodyDst,
		indexPath:  indexDst,
		onDurable:  onDurable,
	}
	return key, nil
}

// DeleteRemoteSegment removes one segment's remote body and index objects.
// Used by the compactor to retire the inputs a compaction pass replaced;
// unlike DeleteBefore/purgeGeneration, this targets a single segment key
// rather than an entire generation.
func (s *Store) DeleteRemoteSegment(ctx context.Context, dbID, generation string, key catalog.Key) error {
	bodyKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, s.compression.ext("segment"))
	indexKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, "index")
	if err := s.backend.Delete(ctx, bodyKey); err != nil {
		return fmt.Errorf("store: delete segment body %s: %w", bodyKey, err)
	}
	return s.backend.Delete(ctx, indexKey)
}

func (s *Store) runUploader() {
	defer s.wg.Done()
	ctx := context.Background()
	for job := range s.uploadCh {
		s.uploadOne(ctx, job)
	}
}

func (s *Store) uploadOne(ctx context.Context, job uploadJob) {
	bodyKey := segmentObjectKey(job.dbID, job.generation, job.header.StartFrameNo, job.header.EndFrameNo, s.compression.ext("segment"))
	indexKey := segmentObjectKey(job.dbID, job.generation, job.header.StartFrameNo, job.header.EndFrameNo, "index")

	var uploadedBytes int64
	err := s.retryPolicy.Do(ctx, func() error {
		n, err := s.putFileCompressed(ctx, bodyKey, job.bodyPath, s.compression)
		if err != nil {
			return err
		}
		uploadedBytes = n
		return s.putFileCompressed2(ctx, indexKey, job.indexPath)
	})
	if err != nil {
		s.metrics.uploadsFailed.Inc()
		level.Error(s.logger).Log("msg", "segment upload exhausted retry threshold, durability watermark will stall", "db_id", job.dbID, "start_frame_no", job.header.StartFrameNo, "end_frame_no", job.header.EndFrameNo, "err", err)
		if job.onFailure != nil {
			job.onFailure(err)
		}
		return
	}
	s.metrics.uploadsSucceeded.Inc()
	s.metrics.uploadBytes.Add(float64(uploadedBytes))
	s.metrics.watermarkFrameNo.Set(float64(job.header.EndFrameNo))
	if job.onDurable != nil {
		job.onDurable(job.header.EndFrameNo)
	}
}

func (s *Store) putFileCompressed(ctx context.Context, key, path string, c Compression) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	switch c {
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err != nil {
			return 0, err
		}
		if err := gw.Close(); err != nil {
			return 0, err
		}
		raw = buf.Bytes()
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return 0, err
		}
		raw = enc.EncodeAll(raw, nil)
		enc.Close()
	}
	if err := s.backend.Put(ctx, key, bytes.NewReader(raw), int64(len(raw))); err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

// putFileCompressed2 uploads the index uncompressed: it is small and
// needed quickly (compaction fetches indexes only) so a codec round trip
// buys nothing.
func (s *Store) putFileCompressed2(ctx context.Context, key, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)))
}

// RemoteSegment is one entry from ListRemote.
type RemoteSegment struct {
	Key       catalog.Key
	SizeBytes int64
}

// ListRemote returns the remote segment catalog for (dbID, generation)
// ordered by start_frame_no ascending, restricted to segments whose
// end_frame_no is at or after sinceFrameNo. It is restartable: callers page
// through history by re-invoking with sinceFrameNo set to one past the last
// entry they saw.
func (s *Store) ListRemote(ctx context.Context, dbID, generation string, sinceFrameNo uint64) ([]RemoteSegment, error) {
	objects, _, err := s.backend.List(ctx, objectPrefix(dbID, generation), "")
	if err != nil {
		return nil, err
	}
	var out []RemoteSegment
	for _, obj := range objects {
		base := filepath.Base(obj.Key)
		ext := strings.TrimPrefix(filepath.Ext(base), ".")
		if ext != "segment" && ext != "gz" && ext != "zstd" {
			continue // index/meta/snapshot objects are not segments.
		}
		name := strings.TrimSuffix(base, filepath.Ext(base))
		start, end, ok := parseSegmentKeyName(name)
		if !ok {
			continue
		}
		if end < sinceFrameNo {
			continue
		}
		out = append(out, RemoteSegment{Key: catalog.Key{StartFrameNo: start, EndFrameNo: end}, SizeBytes: obj.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.StartFrameNo < out[j].Key.StartFrameNo })
	return out, nil
}

func parseSegmentKeyName(name string) (start, end uint64, ok bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseUint(parts[0], 16, 64)
	e, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e, true
}

// FetchSegment downloads a segment's body and index into destDir and
// validates the body's header. Download failures here are fatal for the
// current restore attempt; callers retry the whole restore rather than
// this single fetch.
func (s *Store) FetchSegment(ctx context.Context, dbID, generation string, key catalog.Key, destDir string) (bodyPath, indexPath string, err error) {
	s.metrics.downloadsAttempted.Inc()

	bodyKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, "segment")
	indexKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, "index")

	bodyPath = filepath.Join(destDir, fmt.Sprintf("%s.segment", segmentKeyName(key.StartFrameNo, key.EndFrameNo)))
	indexPath = filepath.Join(destDir, fmt.Sprintf("%s.index", segmentKeyName(key.StartFrameNo, key.EndFrameNo)))

	n, err := s.downloadTo(ctx, bodyKey, bodyPath)
	if err != nil {
		return "", "", fmt.Errorf("store: fetch segment body %s: %w", bodyKey, err)
	}
	s.metrics.downloadBytes.Add(float64(n))

	n, err = s.downloadTo(ctx, indexKey, indexPath)
	if err != nil {
		return "", "", fmt.Errorf("store: fetch segment index %s: %w", indexKey, err)
	}
	s.metrics.downloadBytes.Add(float64(n))

	hdrBuf := make([]byte, frame.SegmentHeaderLen)
	f, err := os.Open(bodyPath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return "", "", fmt.Errorf("store: read fetched header: %w", err)
	}
	if _, err := frame.ReadSegmentHeader(hdrBuf); err != nil {
		return "", "", err
	}
	return bodyPath, indexPath, nil
}

// FetchSegmentBody downloads only a segment's body into destDir, for
// callers that already fetched the index separately (via FetchIndex) and
// only need the page images for segments whose pages actually survived
// planning.
func (s *Store) FetchSegmentBody(ctx context.Context, dbID, generation string, key catalog.Key, destDir string) (bodyPath string, err error) {
	s.metrics.downloadsAttempted.Inc()

	bodyKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, "segment")
	bodyPath = filepath.Join(destDir, fmt.Sprintf("%s.segment", segmentKeyName(key.StartFrameNo, key.EndFrameNo)))

	n, err := s.downloadTo(ctx, bodyKey, bodyPath)
	if err != nil {
		return "", fmt.Errorf("store: fetch segment body %s: %w", bodyKey, err)
	}
	s.metrics.downloadBytes.Add(float64(n))

	hdrBuf := make([]byte, frame.SegmentHeaderLen)
	f, err := os.Open(bodyPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return "", fmt.Errorf("store: read fetched header: %w", err)
	}
	if _, err := frame.ReadSegmentHeader(hdrBuf); err != nil {
		return "", err
	}
	return bodyPath, nil
}

// FetchIndex downloads only a segment's index block, not its body. Used
// by the compactor, which plans a compaction entirely from page indexes
// before ever reading a page image (spec §4.5).
func (s *Store) FetchIndex(ctx context.Context, dbID, generation string, key catalog.Key) ([]byte, error) {
	s.metrics.downloadsAttempted.Inc()
	indexKey := segmentObjectKey(dbID, generation, key.StartFrameNo, key.EndFrameNo, "index")
	rc, err := s.backend.GetRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("store: fetch index %s: %w", indexKey, err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	s.metrics.downloadBytes.Add(float64(len(buf)))
	return buf, nil
}

func (s *Store) downloadTo(ctx context.Context, key, destPath string) (int64, error) {
	rc, err := s.backend.GetRange(ctx, key, 0, -1)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, rc)
}

// StoreSnapshot uploads a full database image under generation.
func (s *Store) StoreSnapshot(ctx context.Context, dbID, generation string, r io.Reader, size int64) error {
	key := snapshotObjectKey(dbID, generation, "db")
	return s.backend.Put(ctx, key, r, size)
}

// FetchSnapshot downloads the full-database image for generation to
// destPath.
func (s *Store) FetchSnapshot(ctx context.Context, dbID, generation, destPath string) error {
	key := snapshotObjectKey(dbID, generation, "db")
	_, err := s.downloadTo(ctx, key, destPath)
	return err
}

// LatestGeneration resolves the current generation for dbID by inspecting
// the remote catalog's common-prefix enumeration. Generation identifiers
// are time-ordered opaque strings (internal/replicator mints them as a
// hex-encoded monotonic timestamp plus a random suffix), so the
// lexicographically greatest prefix is the latest generation.
func (s *Store) LatestGeneration(ctx context.Context, dbID string) (string, bool, error) {
	_, prefixes, err := s.backend.List(ctx, dbID+"-", "/")
	if err != nil {
		return "", false, err
	}
	if len(prefixes) == 0 {
		return "", false, nil
	}
	var generations []string
	for _, p := range prefixes {
		generations = append(generations, strings.TrimSuffix(strings.TrimPrefix(p, dbID+"-"), "/"))
	}
	sort.Strings(generations)
	return generations[len(generations)-1], true, nil
}

// ListGenerations returns every generation identifier known for dbID,
// oldest first, by the same common-prefix enumeration LatestGeneration
// uses. The admin CLI's "ls" and "rm" commands need the full history,
// not just the newest entry.
func (s *Store) ListGenerations(ctx context.Context, dbID string) ([]string, error) {
	_, prefixes, err := s.backend.List(ctx, dbID+"-", "/")
	if err != nil {
		return nil, err
	}
	generations := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		generations = append(generations, strings.TrimSuffix(strings.TrimPrefix(p, dbID+"-"), "/"))
	}
	sort.Strings(generations)
	return generations, nil
}

// DeleteBefore tombstones generation for (namespace, dbID) if its newest
// catalogued segment is older than cutoff, then removes the generation's
// remote objects asynchronously after grace has elapsed, giving any
// in-flight reader time to finish. Retention walks one generation at a
// time; callers enumerate generations themselves (e.g. via a remote prefix
// listing) and call DeleteBefore once per stale candidate.
func (s *Store) DeleteBefore(ctx context.Context, namespace, dbID, generation string, cutoff time.Time, grace time.Duration) error {
	entries, err := s.cat.List(namespace)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	var newestTs int64
	for _, e := range entries {
		if e.Key.TimestampUnix > newestTs {
			newestTs = e.Key.TimestampUnix
		}
	}
	if !time.Unix(newestTs, 0).Before(cutoff) {
		return nil
	}

	time.AfterFunc(grace, func() {
		s.purgeGeneration(context.Background(), dbID, generation)
	})
	if err := s.cat.DeleteBefore(namespace, ^uint64(0)); err != nil {
		level.Error(s.logger).Log("msg", "failed to clear local catalog entries for purged generation", "namespace", namespace, "generation", generation, "err", err)
	}
	return nil
}

func (s *Store) purgeGeneration(ctx context.Context, dbID, generation string) {
	objects, _, err := s.backend.List(ctx, objectPrefix(dbID, generation), "")
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to list generation for purge", "db_id", dbID, "generation", generation, "err", err)
		return
	}
	for _, obj := range objects {
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			level.Error(s.logger).Log("msg", "failed to delete segment during purge", "key", obj.Key, "err", err)
		}
	}
}
