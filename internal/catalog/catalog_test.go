package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestPutAndListOrdering(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 21, EndFrameNo: 30, TimestampUnix: 3}, 100))
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 1, EndFrameNo: 10, TimestampUnix: 1}, 50))
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 11, EndFrameNo: 20, TimestampUnix: 2}, 75))

	entries, err := c.List("ns-a")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.EqualValues(t, 1, entries[0].Key.StartFrameNo)
	require.EqualValues(t, 11, entries[1].Key.StartFrameNo)
	require.EqualValues(t, 21, entries[2].Key.StartFrameNo)
}

func TestNamespacesAreIsolated(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 1, EndFrameNo: 5}, 10))
	require.NoError(t, c.Put("ns-b", Key{StartFrameNo: 1, EndFrameNo: 5}, 20))

	a, err := c.List("ns-a")
	require.NoError(t, err)
	require.Len(t, a, 1)

	b, err := c.List("ns-b")
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestDeleteBefore(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 1, EndFrameNo: 10}, 10))
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 11, EndFrameNo: 20}, 10))
	require.NoError(t, c.Put("ns-a", Key{StartFrameNo: 21, EndFrameNo: 30}, 10))

	require.NoError(t, c.DeleteBefore("ns-a", 21))

	entries, err := c.List("ns-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.EqualValues(t, 21, entries[0].Key.StartFrameNo)
}
