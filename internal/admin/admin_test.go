package admin

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/replicator"
	"github.com/libsql-go/walreplicator/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *catalog.Catalog) {
	t.Helper()
	backend, err := objstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	s, err := store.New(backend, t.TempDir(), cat, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, cat
}

func sealSegment(t *testing.T, s *store.Store, dbID, generation string, startFrameNo uint64, pages []uint32) {
	t.Helper()
	w, err := s.CreateActiveSegment(dbID, generation, 16, [2]uint32{1, 2}, startFrameNo)
	require.NoError(t, err)
	for i, p := range pages {
		fr := frame.Frame{FrameNo: startFrameNo + uint64(i), PageNo: p, Page: make([]byte, 16)}
		if i == len(pages)-1 {
			fr.SizeAfter = uint32(p)
		}
		_, err := w.Append(fr)
		require.NoError(t, err)
	}
	durable := make(chan uint64, 1)
	_, err = s.SealAndUpload("ns1", dbID, generation, w, time.Unix(1700000000, 0), func(frameNo uint64) {
		durable <- frameNo
	})
	require.NoError(t, err)
}

func TestGenerationTimeRoundTrips(t *testing.T) {
	want := time.Unix(1700000000, 123000000)
	g := replicator.NewGenerationID(want)
	got := generationTime(g)
	require.Equal(t, want.UnixNano(), got.UnixNano())
}

func TestGenerationTimeMalformedReturnsZero(t *testing.T) {
	require.True(t, generationTime("not-a-generation-id-at-all").IsZero())
	require.True(t, generationTime("nohyphenhere").IsZero())
}

func TestCreateAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "source.db")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{0x42}, 4096), 0o644))

	generation, err := Create(ctx, s, "db1", src)
	require.NoError(t, err)
	require.NotEmpty(t, generation)

	infos, err := List(ctx, s, "db1", "", 0, nil, nil)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, generation, infos[0].Generation)
	require.Equal(t, 0, infos[0].Segments, "Create uploads only a base snapshot, no segments")
}

func TestListFiltersByGeneration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sealSegment(t, s, "db1", "gen-a", 1, []uint32{1})
	sealSegment(t, s, "db1", "gen-b", 1, []uint32{1})

	infos, err := List(ctx, s, "db1", "gen-a", 0, nil, nil)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "gen-a", infos[0].Generation)
}

func TestCopyWritesSnapshotToTargetDir(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "source.db")
	require.NoError(t, os.WriteFile(src, []byte("hello database"), 0o644))
	generation, err := Create(ctx, s, "db1", src)
	require.NoError(t, err)

	targetDir := t.TempDir()
	require.NoError(t, Copy(ctx, s, "db1", generation, targetDir))
	require.FileExists(t, filepath.Join(targetDir, "db.snapshot"))
}

func TestDeletePurgesNamedGeneration(t *testing.T) {
	s, cat := newTestStore(t)
	ctx := context.Background()

	sealSegment(t, s, "db1", "gen1", 1, []uint32{1, 2})

	n, err := Delete(ctx, s, cat, "ns1", "db1", "gen1", nil, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		remote, err := s.ListRemote(ctx, "db1", "gen1", 0)
		return err == nil && len(remote) == 0
	}, time.Second, 10*time.Millisecond, "named generation should be purged asynchronously")
}

func TestDeleteRequiresGenerationOrCutoff(t *testing.T) {
	s, cat := newTestStore(t)
	_, err := Delete(context.Background(), s, cat, "ns1", "db1", "", nil, time.Millisecond)
	require.Error(t, err)
}

func TestVerifyDetectsIntactChain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sealSegment(t, s, "db1", "gen1", 1, []uint32{1, 2, 3})

	result, err := Verify(ctx, s, log.NewNopLogger(), "db1", "gen1", nil, nil)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, uint64(3), result.FramesRead)
	require.Equal(t, uint64(3), result.LastFrameNo)
}

func TestFileDBWriterTruncateLearnsPageSize(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "dbwriter-*")
	require.NoError(t, err)
	defer f.Close()

	w := &fileDBWriter{f: f}
	require.NoError(t, w.Truncate(4), "no page written yet; must be a no-op, not an error")

	page := bytes.Repeat([]byte{0x7}, 512)
	require.NoError(t, w.WritePage(1, page))
	require.Equal(t, 512, w.pageSize)

	require.NoError(t, w.Truncate(2))
	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(1024), info.Size())
}
