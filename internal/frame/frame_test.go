package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkFrame(frameNo uint64, pageNo uint32, sizeAfter uint32) Frame {
	page := make([]byte, 16)
	for i := range page {
		page[i] = byte(frameNo + uint64(i))
	}
	return Frame{
		FrameNo:   frameNo,
		PageNo:    pageNo,
		SizeAfter: sizeAfter,
		Salts:     [2]uint32{0xaaaa, 0xbbbb},
		Page:      page,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := mkFrame(1, 3, 0)
	raw, sum, err := EncodeFrame([2]uint32{}, f)
	require.NoError(t, err)

	got, err := DecodeFrame(raw, len(f.Page))
	require.NoError(t, err)
	require.Equal(t, f.FrameNo, got.FrameNo)
	require.Equal(t, f.PageNo, got.PageNo)
	require.Equal(t, f.SizeAfter, got.SizeAfter)
	require.Equal(t, f.Salts, got.Salts)
	require.Equal(t, f.Page, got.Page)
	require.Equal(t, sum, got.Checksum)
}

func TestEncodeFrameRejectsZeroPageNo(t *testing.T) {
	f := mkFrame(1, 0, 0)
	_, _, err := EncodeFrame([2]uint32{}, f)
	require.ErrorIs(t, err, ErrZeroPageNo)
}

func TestVerifyFrameChain(t *testing.T) {
	salts := [2]uint32{1, 2}
	var prev [2]uint32
	var raws [][]byte
	for i := uint64(1); i <= 5; i++ {
		f := mkFrame(i, uint32(i), 0)
		f.Salts = salts
		raw, sum, err := EncodeFrame(prev, f)
		require.NoError(t, err)
		raws = append(raws, raw)
		prev = sum
	}

	prev = [2]uint32{}
	for _, raw := range raws {
		sum, err := VerifyFrame(prev, raw, 16, salts)
		require.NoError(t, err)
		prev = sum
	}
}

func TestVerifyFrameDetectsTamper(t *testing.T) {
	salts := [2]uint32{1, 2}
	f := mkFrame(1, 1, 0)
	f.Salts = salts
	raw, _, err := EncodeFrame([2]uint32{}, f)
	require.NoError(t, err)

	raw[HeaderLen] ^= 0xff // corrupt the page image in place.
	_, err = VerifyFrame([2]uint32{}, raw, 16, salts)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestVerifyFrameDetectsSaltMismatch(t *testing.T) {
	f := mkFrame(1, 1, 0)
	f.Salts = [2]uint32{1, 2}
	raw, _, err := EncodeFrame([2]uint32{}, f)
	require.NoError(t, err)

	_, err = VerifyFrame([2]uint32{}, raw, 16, [2]uint32{9, 9})
	require.ErrorIs(t, err, ErrInvalidSalts)
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	h := SegmentHeader{
		Magic:         SegmentMagic,
		Version:       SegmentVersion,
		PageSize:      4096,
		StartFrameNo:  1,
		EndFrameNo:    100,
		TimestampUnix: 1700000000,
	}
	raw := EncodeSegmentHeader(h)
	got, err := ReadSegmentHeader(raw)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReadSegmentHeaderRejectsBadMagic(t *testing.T) {
	h := SegmentHeader{Magic: 0xdeadbeef, Version: SegmentVersion, PageSize: 4096, EndFrameNo: 1}
	raw := EncodeSegmentHeader(h)
	_, err := ReadSegmentHeader(raw)
	require.ErrorIs(t, err, ErrFormat)
}

func TestBuildAndLookupIndex(t *testing.T) {
	entries := []IndexEntry{
		{PageNo: 3, Offset: 100},
		{PageNo: 1, Offset: 10},
		{PageNo: 2, Offset: 50},
		{PageNo: 1, Offset: 40}, // later write to same page wins.
	}
	idx := BuildIndex(entries)

	off, ok := LookupIndex(idx, 1)
	require.True(t, ok)
	require.EqualValues(t, 40, off)

	off, ok = LookupIndex(idx, 3)
	require.True(t, ok)
	require.EqualValues(t, 100, off)

	_, ok = LookupIndex(idx, 99)
	require.False(t, ok)
}
