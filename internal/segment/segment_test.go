package segment

import (
	"bytes"
	"testing"

	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/stretchr/testify/require"
)

// memFile is a minimal in-memory stand-in for *os.File, in the spirit of
// the teacher's testStorage helpers: just enough behavior to exercise the
// writer/reader without touching a real filesystem.
type memFile struct {
	buf bytes.Buffer
	data []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(m.data) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memFile) Truncate(size int64) error {
	if int(size) <= len(m.data) {
		m.data = m.data[:size]
	}
	return nil
}

func (m *memFile) Sync() error { return nil }
func (m *memFile) Close() error { return nil }

func TestWriterAppendAndSeal(t *testing.T) {
	f := &memFile{}
	w, err := NewWriter(f, 16, [2]uint32{1, 2}, 1)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		fr := frame.Frame{FrameNo: i, PageNo: uint32(i), Page: bytes.Repeat([]byte{byte(i)}, 16)}
		if i == 3 {
			fr.SizeAfter = 3
		}
		_, err := w.Append(fr)
		require.NoError(t, err)
	}

	h, _, err := w.Seal(1700000000)
	require.NoError(t, err)
	require.EqualValues(t, 1, h.StartFrameNo)
	require.EqualValues(t, 3, h.EndFrameNo)

	_, err = w.Append(frame.Frame{FrameNo: 4, PageNo: 1, Page: make([]byte, 16)})
	require.Error(t, err, "append after seal must fail")
}

func TestWriterTruncateTo(t *testing.T) {
	f := &memFile{}
	w, err := NewWriter(f, 16, [2]uint32{}, 1)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		_, err := w.Append(frame.Frame{FrameNo: i, PageNo: uint32(i), Page: make([]byte, 16)})
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, w.LastFrameNo())

	require.NoError(t, w.TruncateTo(3))
	require.EqualValues(t, 3, w.LastFrameNo())

	// Idempotent: truncating again to the same point is a no-op.
	require.NoError(t, w.TruncateTo(3))
	require.EqualValues(t, 3, w.LastFrameNo())
}

func TestReaderRoundTripSealed(t *testing.T) {
	f := &memFile{}
	w, err := NewWriter(f, 8, [2]uint32{5, 6}, 10)
	require.NoError(t, err)

	pages := []uint32{4, 7, 4} // page 4 written twice; latest wins.
	for i, p := range pages {
		fr := frame.Frame{FrameNo: uint64(10 + i), PageNo: p, Page: bytes.Repeat([]byte{byte(i + 1)}, 8)}
		_, err := w.Append(fr)
		require.NoError(t, err)
	}
	_, idx, err := w.Seal(1700000001)
	require.NoError(t, err)
	require.Len(t, idx, 2*frame.IndexEntryLen) // two distinct pages: 4 and 7.

	r, err := OpenSealed(f, idx)
	require.NoError(t, err)

	got, ok, err := r.GetFrame(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{3}, 8), got.Page, "latest write to page 4 must win")

	got, ok, err = r.GetFrame(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 11, got.FrameNo)

	_, ok, err = r.GetFrame(99)
	require.NoError(t, err)
	require.False(t, ok)
}
