package compactor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/store"
)

const namespace = "ns1"
const dbID = "db1"
const generation = "gen1"

func page(n byte, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = n
	}
	return b
}

// sealSegment writes frames directly against a fresh active segment and
// seals it, simulating one segment of a generation that, in the full
// system, a series of checkpoints would have produced. The last frame in
// frames must be a commit frame.
func sealSegment(t *testing.T, st *store.Store, startFrameNo uint64, salts [2]uint32, frames []frame.Frame) catalog.Key {
	t.Helper()
	w, err := st.CreateActiveSegment(dbID, generation, 16, salts, startFrameNo)
	require.NoError(t, err)
	for _, fr := range frames {
		_, err := w.Append(fr)
		require.NoError(t, err)
	}
	key, err := st.SealAndUpload(namespace, dbID, generation, w, time.Now(), nil)
	require.NoError(t, err)
	return key
}

// waitForUpload polls until a segment is fetchable, standing in for the
// durability wait OnCheckpoint performs in the full system.
func waitForUpload(t *testing.T, st *store.Store, key catalog.Key) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _, err := st.FetchSegment(context.Background(), dbID, generation, key, t.TempDir())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func newTestCompactor(t *testing.T, st *store.Store, cat *catalog.Catalog) *Compactor {
	t.Helper()
	return New(st, cat, Config{TmpDir: t.TempDir(), Logger: log.NewNopLogger(), Reg: prometheus.NewRegistry()})
}

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

// newFixture builds a Store sharing one catalog (so sealSegment's writes
// and the Compactor's reads agree on what exists), with two sealed
// segments: [1,2] writing pages 1,2 and [3,4] overwriting page 1 and
// adding page 3, with frame 4 the generation's final commit.
func newFixture(t *testing.T) (*store.Store, *catalog.Catalog, [2]uint32) {
	t.Helper()
	backend, err := objstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	cat := openTestCatalog(t)
	st, err := store.New(backend, t.TempDir(), cat, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	salts := [2]uint32{0xaaaa, 0xbbbb}

	k1 := sealSegment(t, st, 1, salts, []frame.Frame{
		{FrameNo: 1, PageNo: 1, Page: page(1, 16)},
		{FrameNo: 2, PageNo: 2, Page: page(2, 16), SizeAfter: 2},
	})
	waitForUpload(t, st, k1)

	k2 := sealSegment(t, st, 3, salts, []frame.Frame{
		{FrameNo: 3, PageNo: 1, Page: page(11, 16)},
		{FrameNo: 4, PageNo: 3, Page: page(3, 16), SizeAfter: 3},
	})
	waitForUpload(t, st, k2)

	return st, cat, salts
}

func TestPlanMinimalSetMergesContiguousSegments(t *testing.T) {
	entries := []catalog.Entry{
		{Key: catalog.Key{StartFrameNo: 1, EndFrameNo: 2, TimestampUnix: 100}},
		{Key: catalog.Key{StartFrameNo: 3, EndFrameNo: 4, TimestampUnix: 200}},
	}
	set, err := planMinimalSet(entries)
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Equal(t, uint64(1), set[0].Key.StartFrameNo)
	require.Equal(t, uint64(3), set[1].Key.StartFrameNo)
}

func TestPlanMinimalSetPrefersFewerSegments(t *testing.T) {
	entries := []catalog.Entry{
		{Key: catalog.Key{StartFrameNo: 1, EndFrameNo: 2, TimestampUnix: 100}},
		{Key: catalog.Key{StartFrameNo: 3, EndFrameNo: 4, TimestampUnix: 200}},
		{Key: catalog.Key{StartFrameNo: 1, EndFrameNo: 4, TimestampUnix: 300}}, // a prior compaction's output
	}
	set, err := planMinimalSet(entries)
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.Equal(t, uint64(300), uint64(set[0].Key.TimestampUnix))
}

func TestPlanMinimalSetDetectsCoverageGap(t *testing.T) {
	entries := []catalog.Entry{
		{Key: catalog.Key{StartFrameNo: 1, EndFrameNo: 2, TimestampUnix: 100}},
		{Key: catalog.Key{StartFrameNo: 5, EndFrameNo: 6, TimestampUnix: 200}},
	}
	_, err := planMinimalSet(entries)
	require.ErrorIs(t, err, ErrCoverageGap)
}

func TestCompactMergesTwoSegmentsIntoOne(t *testing.T) {
	st, cat, _ := newFixture(t)
	c := newTestCompactor(t, st, cat)

	result, err := c.Compact(context.Background(), namespace, dbID, generation)
	require.NoError(t, err)
	require.Equal(t, 2, result.SegmentsReplaced)

	entries, err := cat.List(namespace)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the two inputs are replaced by exactly one merged entry")
	require.Equal(t, result.Key, entries[0].Key)

	// Merged segment covers 3 distinct pages (1, 2, 3), so its renumbered
	// frame range runs for exactly 3 frames starting at the original
	// start_frame_no of the earliest input segment.
	require.Equal(t, uint64(1), entries[0].Key.StartFrameNo)
	require.Equal(t, uint64(3), entries[0].Key.EndFrameNo)
}

func TestCompactOnOneSegmentSkipsWhenAlreadyMinimal(t *testing.T) {
	backend, err := objstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	cat := openTestCatalog(t)
	st, err := store.New(backend, t.TempDir(), cat, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	salts := [2]uint32{1, 1}
	k := sealSegment(t, st, 1, salts, []frame.Frame{
		{FrameNo: 1, PageNo: 1, Page: page(1, 16), SizeAfter: 1},
	})
	waitForUpload(t, st, k)

	c := newTestCompactor(t, st, cat)
	_, err = c.Compact(context.Background(), namespace, dbID, generation)
	require.ErrorIs(t, err, ErrNothingToCompact)
}

func TestBuildImageReconstructsLatestPages(t *testing.T) {
	st, cat, _ := newFixture(t)
	c := newTestCompactor(t, st, cat)

	buf := make([]byte, 3*16)
	dest := &sliceWriterAt{buf: buf}
	n, err := c.BuildImage(context.Background(), namespace, dbID, generation, dest)
	require.NoError(t, err)
	require.Equal(t, int64(3*16), n)

	require.Equal(t, page(11, 16), buf[0:16], "page 1 was overwritten by the second segment")
	require.Equal(t, page(2, 16), buf[16:32])
	require.Equal(t, page(3, 16), buf[32:48])
}

type sliceWriterAt struct{ buf []byte }

func (s *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	copy(s.buf[off:], p)
	return len(p), nil
}
