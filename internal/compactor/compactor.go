// Package compactor implements the Compactor (C5): given a closed
// generation's catalog of segments, it computes the smallest subset of
// them that still covers the whole frame range, and merges that subset
// into a single segment holding only the latest frame for each page (spec
// §4.5). A generation is "closed" once a later checkpoint has rotated the
// active write path onto a new one; Compact must not be called against
// the currently-open generation, since its output renumbers the
// generation's internal frame sequence and nothing may ever be appended
// to it afterward.
//
// The teacher has no direct analogue (raft-wal truncates its log instead
// of merging it, since every entry is an opaque blob with no page-level
// structure to deduplicate), so the merge strategy is grounded in spec
// §4.5 directly. Candidate-segment selection is a shortest-path problem
// over a small DAG (nodes are frame numbers, edges are segments); earlier
// components in this module already chose to hand-roll small graph
// problems rather than pull in gonum's graph package (see DESIGN.md),
// and this package follows the same call, implementing the DAG as a
// single topological pass rather than a general Dijkstra since segment
// edges only ever point from a smaller frame number to a strictly larger
// one.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/segment"
	"github.com/libsql-go/walreplicator/internal/store"
)

// ErrNothingToCompact means the namespace's segment set is already
// minimal: zero or one segment, or merging the minimal covering set would
// not reduce the segment count below what is already catalogued.
var ErrNothingToCompact = errors.New("compactor: already minimal")

// ErrCoverageGap means the catalog's segments don't chain continuously
// from frame 1, so no covering path exists. A generation with a coverage
// gap cannot be compacted and is likely the symptom of a bug upstream (a
// segment never recorded, or wrongly deleted).
var ErrCoverageGap = errors.New("compactor: coverage gap in segment catalog")

// compactionGrace mirrors Store.DeleteBefore's grace window: give any
// reader that fetched a superseded remote key just before it was replaced
// time to finish.
const compactionGrace = 5 * time.Minute

// maxConcurrentIndexFetches and maxConcurrentBodyFetches bound how many
// segment index or body downloads openSet runs at once.
const (
	maxConcurrentIndexFetches = 8
	maxConcurrentBodyFetches  = 4
)

// Config bundles a Compactor's tunables.
type Config struct {
	// TmpDir holds scratch files for downloaded segments and the merged
	// output while a compaction runs. Empty defers to os.CreateTemp's
	// default directory.
	TmpDir string

	Logger log.Logger
	Reg    prometheus.Registerer
}

// Compactor is the C5 Compactor.
type Compactor struct {
	store   *store.Store
	cat     *catalog.Catalog
	tmpDir  string
	logger  log.Logger
	metrics *compactorMetrics
}

// New constructs a Compactor sharing st's remote backend and cat's local
// segment catalog.
func New(st *store.Store, cat *catalog.Catalog, cfg Config) *Compactor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Compactor{
		store:   st,
		cat:     cat,
		tmpDir:  cfg.TmpDir,
		logger:  logger,
		metrics: newCompactorMetrics(cfg.Reg),
	}
}

// Result describes a successful compaction.
type Result struct {
	Key              catalog.Key
	SegmentsReplaced int
	BytesBefore      uint64
}

// Compact merges the minimal covering segment set for (namespace, dbID,
// generation) into one new segment, uploads it, and retires the segments
// it replaced. It is best-effort: any failure during the merge discards
// the partial output and leaves the existing segments untouched.
func (c *Compactor) Compact(ctx context.Context, namespace, dbID, generation string) (Result, error) {
	set, err := c.resolveSet(namespace)
	if err != nil {
		return Result{}, err
	}

	work, cleanup, err := c.openSet(ctx, dbID, generation, set)
	if err != nil {
		c.metrics.compactionsFailed.Inc()
		return Result{}, err
	}
	defer cleanup()

	outPath, header, idx, err := c.merge(work)
	if err != nil {
		c.metrics.compactionsFailed.Inc()
		return Result{}, err
	}

	key, err := c.store.UploadCompactedSegment(namespace, dbID, generation, header, outPath, idx, time.Now().Unix())
	if err != nil {
		c.metrics.compactionsFailed.Inc()
		os.Remove(outPath)
		return Result{}, fmt.Errorf("compactor: upload merged segment: %w", err)
	}

	var bytesBefore uint64
	for _, w := range work {
		bytesBefore += w.entry.SizeBytes
		if err := c.cat.Delete(namespace, w.entry.Key); err != nil {
			level.Error(c.logger).Log("msg", "failed to remove superseded catalog entry", "namespace", namespace, "start_frame_no", w.entry.Key.StartFrameNo, "err", err)
			continue
		}
		seg := w.entry.Key
		time.AfterFunc(compactionGrace, func() {
			if err := c.store.DeleteRemoteSegment(context.Background(), dbID, generation, seg); err != nil {
				level.Error(c.logger).Log("msg", "failed to delete superseded remote segment", "start_frame_no", seg.StartFrameNo, "err", err)
			}
		})
	}

	c.metrics.compactions.Inc()
	c.metrics.segmentsReplaced.Add(float64(len(work)))
	c.metrics.bytesBefore.Add(float64(bytesBefore))

	return Result{Key: key, SegmentsReplaced: len(work), BytesBefore: bytesBefore}, nil
}

// BuildImage reconstructs a full page-addressed database image from the
// minimal covering segment set for (namespace, dbID, generation), writing
// each page at (page_no-1)*page_size without a frame-by-frame replay or
// checksum-chain verification. It is the fast path for an operator tool
// that only wants the final bytes, not point-in-time precision, and it
// works whether or not the set happens to already be minimal.
func (c *Compactor) BuildImage(ctx context.Context, namespace, dbID, generation string, dest io.WriterAt) (int64, error) {
	entries, err := c.cat.List(namespace)
	if err != nil {
		return 0, fmt.Errorf("compactor: list catalog: %w", err)
	}
	set := entries
	if len(entries) >= 2 {
		if planned, err := planMinimalSet(entries); err == nil {
			set = planned
		}
	}
	if len(set) == 0 {
		return 0, nil
	}

	work, cleanup, err := c.openSet(ctx, dbID, generation, set)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	pageSize := work[len(work)-1].reader.Header().PageSize
	pages, owners := unionPages(work)

	var maxEnd int64
	for _, pageNo := range pages {
		fr, ok, err := work[owners[pageNo]].reader.GetFrame(pageNo)
		if err != nil {
			return 0, fmt.Errorf("compactor: build image: read page %d: %w", pageNo, err)
		}
		if !ok {
			return 0, fmt.Errorf("compactor: build image: page %d missing from its own index", pageNo)
		}
		off := int64(pageNo-1) * int64(pageSize)
		if _, err := dest.WriteAt(fr.Page, off); err != nil {
			return 0, fmt.Errorf("compactor: build image: write page %d: %w", pageNo, err)
		}
		if end := off + int64(len(fr.Page)); end > maxEnd {
			maxEnd = end
		}
	}
	return maxEnd, nil
}

// resolveSet loads namespace's catalog and computes its minimal covering
// set, short-circuiting with ErrNothingToCompact when merging would not
// reduce the segment count.
func (c *Compactor) resolveSet(namespace string) ([]catalog.Entry, error) {
	entries, err := c.cat.List(namespace)
	if err != nil {
		return nil, fmt.Errorf("compactor: list catalog: %w", err)
	}
	if len(entries) < 2 {
		return nil, ErrNothingToCompact
	}
	set, err := planMinimalSet(entries)
	if err != nil {
		return nil, err
	}
	if len(set) < 2 {
		return nil, ErrNothingToCompact
	}
	return set, nil
}

// sourceSegment pairs an opened reader with the catalog entry and raw
// index bytes it was opened from.
type sourceSegment struct {
	entry  catalog.Entry
	reader *segment.Reader
	idx    []byte
}

// openSet plans and opens the segments a merge actually needs, in two
// passes. The first pass fetches only each candidate's index block
// (Store.FetchIndex) and computes page ownership from those index bytes
// alone, never paying for a body download until it is known to matter.
// The second pass fetches and opens a reader only for the segments that
// own at least one surviving page, plus the last segment in set, which
// merge always needs in full regardless of page ownership (its tail
// frame's commit flag gates the merge, and its seal timestamp becomes the
// merged segment's). set is already sorted in ascending start_frame_no
// order by planMinimalSet.
//
// The returned slice is always len(set) long and in set's order, so
// merge's work[0]/work[len(work)-1] assumptions about the earliest and
// latest candidate hold regardless of which entries were skipped; entries
// that were skipped have a nil reader.
func (c *Compactor) openSet(ctx context.Context, dbID, generation string, set []catalog.Entry) ([]sourceSegment, func(), error) {
	dir, err := os.MkdirTemp(c.tmpDir, "compact-src-*")
	if err != nil {
		return nil, nil, fmt.Errorf("compactor: mkdir temp: %w", err)
	}
	abort := func(work []sourceSegment, err error) ([]sourceSegment, func(), error) {
		for _, w := range work {
			if w.reader != nil {
				w.reader.Close()
			}
		}
		os.RemoveAll(dir)
		return nil, nil, err
	}

	work := make([]sourceSegment, len(set))
	for i, e := range set {
		work[i].entry = e
	}

	// Pass 1: index-only. Index blocks are small and independent objects,
	// so they're fetched concurrently.
	idxGroup, idxCtx := errgroup.WithContext(ctx)
	idxGroup.SetLimit(maxConcurrentIndexFetches)
	for i, e := range set {
		i, e := i, e
		idxGroup.Go(func() error {
			idx, err := c.store.FetchIndex(idxCtx, dbID, generation, e.Key)
			if err != nil {
				return fmt.Errorf("compactor: fetch index: %w", err)
			}
			work[i].idx = idx
			return nil
		})
	}
	if err := idxGroup.Wait(); err != nil {
		return abort(work, err)
	}

	_, owners := unionPages(work)
	needed := make([]bool, len(set))
	for _, i := range owners {
		needed[i] = true
	}
	needed[len(set)-1] = true

	// Pass 2: bodies, only for segments that own a surviving page (plus
	// the forced-included last segment), fetched concurrently.
	bodyGroup, bodyCtx := errgroup.WithContext(ctx)
	bodyGroup.SetLimit(maxConcurrentBodyFetches)
	for i, e := range set {
		if !needed[i] {
			continue
		}
		i, e := i, e
		bodyGroup.Go(func() error {
			bodyPath, err := c.store.FetchSegmentBody(bodyCtx, dbID, generation, e.Key, dir)
			if err != nil {
				return fmt.Errorf("compactor: fetch segment body: %w", err)
			}
			f, err := os.Open(bodyPath)
			if err != nil {
				return err
			}
			r, err := segment.OpenSealed(f, work[i].idx)
			if err != nil {
				f.Close()
				return err
			}
			work[i].reader = r
			return nil
		})
	}
	if err := bodyGroup.Wait(); err != nil {
		return abort(work, err)
	}

	cleanup := func() {
		for _, w := range work {
			if w.reader != nil {
				w.reader.Close()
			}
		}
		os.RemoveAll(dir)
	}
	return work, cleanup, nil
}

// unionPages walks every opened source segment's index in ascending
// start_frame_no order, recording which segment holds the latest frame
// for each page: a later segment's entry for a page always overwrites an
// earlier one, matching restore semantics where the latest write wins.
func unionPages(work []sourceSegment) ([]uint32, map[uint32]int) {
	owners := make(map[uint32]int)
	for i, w := range work {
		for _, e := range frame.DecodeIndex(w.idx) {
			owners[e.PageNo] = i
		}
	}
	pages := make([]uint32, 0, len(owners))
	for p := range owners {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages, owners
}

// merge builds the compacted segment body in a temp file and returns its
// path, finished header, and index block, ready for
// Store.UploadCompactedSegment. The merged segment's frame_no sequence is
// freshly assigned, starting at the covering set's original
// start_frame_no and running contiguously for exactly as many frames as
// distinct pages survived the merge — it no longer matches the discarded
// frame numbers of superseded writes, which is why compaction is only
// ever valid against a generation nothing will be appended to again.
func (c *Compactor) merge(work []sourceSegment) (string, frame.SegmentHeader, []byte, error) {
	pages, owners := unionPages(work)
	if len(pages) == 0 {
		return "", frame.SegmentHeader{}, nil, errors.New("compactor: merged segment would be empty")
	}

	startFrameNo := work[0].entry.Key.StartFrameNo
	last := work[len(work)-1]
	pageSize := last.reader.Header().PageSize

	lastFrames, err := last.reader.AllFrames()
	if err != nil {
		return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: read last source segment: %w", err)
	}
	tail := lastFrames[len(lastFrames)-1]
	if !tail.IsCommit() {
		return "", frame.SegmentHeader{}, nil, errors.New("compactor: last source segment does not end on a commit frame")
	}

	sample, ok, err := work[owners[pages[0]]].reader.GetFrame(pages[0])
	if err != nil {
		return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: read sample frame: %w", err)
	}
	if !ok {
		return "", frame.SegmentHeader{}, nil, errors.New("compactor: sample page missing from its own segment")
	}

	f, err := os.CreateTemp(c.tmpDir, "compact-out-*.segment")
	if err != nil {
		return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: create temp output: %w", err)
	}
	outPath := f.Name()

	w, err := segment.NewWriter(f, int(pageSize), sample.Salts, startFrameNo)
	if err != nil {
		f.Close()
		os.Remove(outPath)
		return "", frame.SegmentHeader{}, nil, err
	}

	for i, pageNo := range pages {
		src := work[owners[pageNo]]
		fr, ok, err := src.reader.GetFrame(pageNo)
		if err != nil {
			w.Close()
			os.Remove(outPath)
			return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: read page %d: %w", pageNo, err)
		}
		if !ok {
			w.Close()
			os.Remove(outPath)
			return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: page %d missing from its own segment", pageNo)
		}
		fr.FrameNo = startFrameNo + uint64(i)
		fr.SizeAfter = 0
		if i == len(pages)-1 {
			fr.SizeAfter = tail.SizeAfter
		}
		if _, err := w.Append(fr); err != nil {
			w.Close()
			os.Remove(outPath)
			return "", frame.SegmentHeader{}, nil, fmt.Errorf("compactor: append merged frame: %w", err)
		}
	}

	header, idx, err := w.Seal(last.entry.Key.TimestampUnix)
	if err != nil {
		w.Close()
		os.Remove(outPath)
		return "", frame.SegmentHeader{}, nil, err
	}
	if err := w.Close(); err != nil {
		os.Remove(outPath)
		return "", frame.SegmentHeader{}, nil, err
	}
	return outPath, header, idx, nil
}

// planMinimalSet computes the shortest chain of segments (fewest
// segments, preferring the newest segment on a tie) that covers frame
// range [1, highest known frame_no] without a gap. The candidate graph is
// a DAG: an edge for entry e runs from node e.Key.StartFrameNo to node
// e.Key.EndFrameNo+1, and since EndFrameNo+1 is always strictly greater
// than StartFrameNo, processing entries in ascending start_frame_no order
// is already a valid topological order — no general shortest-path search
// is needed, just one forward relaxation pass.
func planMinimalSet(entries []catalog.Entry) ([]catalog.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	sorted := make([]catalog.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key.StartFrameNo != sorted[j].Key.StartFrameNo {
			return sorted[i].Key.StartFrameNo < sorted[j].Key.StartFrameNo
		}
		return sorted[i].Key.EndFrameNo < sorted[j].Key.EndFrameNo
	})

	var target uint64
	for _, e := range sorted {
		if e.Key.EndFrameNo+1 > target {
			target = e.Key.EndFrameNo + 1
		}
	}

	const source = uint64(1)
	dist := map[uint64]int{source: 0}
	via := map[uint64]catalog.Entry{}

	for _, e := range sorted {
		s := e.Key.StartFrameNo
		d, reachable := dist[s]
		if !reachable {
			continue
		}
		t := e.Key.EndFrameNo + 1
		nd := d + 1
		cur, exists := dist[t]
		if !exists || nd < cur {
			dist[t] = nd
			via[t] = e
		} else if nd == cur && e.Key.TimestampUnix > via[t].Key.TimestampUnix {
			via[t] = e
		}
	}

	if _, ok := dist[target]; !ok {
		return nil, ErrCoverageGap
	}

	var path []catalog.Entry
	node := target
	for node != source {
		e, ok := via[node]
		if !ok {
			return nil, ErrCoverageGap
		}
		path = append(path, e)
		node = e.Key.StartFrameNo
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}
