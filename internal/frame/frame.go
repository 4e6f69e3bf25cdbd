// Package frame implements the on-wire frame, segment header, and segment
// index formats described by the replication protocol, and the checksum
// chain that lets a restore verify a segment without re-reading prior
// segments.
package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	// HeaderLen is the fixed size of a frame header, in bytes: frame_no(8) +
	// page_no(4) + size_after(4) + salts(4+4).
	HeaderLen = 24

	// ChecksumLen is the size of the trailing checksum pair appended after a
	// frame's page image.
	ChecksumLen = 8

	// SegmentHeaderLen is the fixed size of a segment header.
	SegmentHeaderLen = 32

	// SegmentFooterLen is the fixed size of a segment's trailing aggregate
	// CRC footer.
	SegmentFooterLen = 8

	// SegmentMagic identifies a segment file. Spelled out as "WAL1" in
	// little-endian bytes.
	SegmentMagic uint32 = 0x314c_4157

	// SegmentVersion is the only segment format version this package knows
	// how to read and write.
	SegmentVersion uint32 = 1

	// IndexEntryLen is the width of a single page_no -> offset entry in a
	// sealed segment's index block: page_no(4) + offset(4).
	IndexEntryLen = 8
)

// Frame is the unit of replication: one page image plus the bookkeeping
// needed to order it, attribute it to a generation, and verify it against
// its neighbors.
type Frame struct {
	FrameNo   uint64
	PageNo    uint32
	SizeAfter uint32 // 0 except on a commit frame, where it is the post-commit page count.
	Salts     [2]uint32
	Checksum  [2]uint32
	Page      []byte
}

// IsCommit reports whether f is a commit frame.
func (f Frame) IsCommit() bool {
	return f.SizeAfter != 0
}

// SegmentHeader is the 32-byte preamble written at the start of every
// segment file.
type SegmentHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	StartFrameNo  uint64
	EndFrameNo    uint64
	TimestampUnix uint64
}

// EncodeFrame produces the fixed-layout byte record for f: a HeaderLen-byte
// header, f's page image, and an 8-byte checksum pair chained from
// prevChecksum. It returns the new checksum alongside the encoded bytes so
// callers don't need to recompute it.
func EncodeFrame(prevChecksum [2]uint32, f Frame) ([]byte, [2]uint32, error) {
	if f.PageNo == 0 {
		return nil, [2]uint32{}, ErrZeroPageNo
	}

	buf := make([]byte, HeaderLen+len(f.Page)+ChecksumLen)
	putHeader(buf, f)
	copy(buf[HeaderLen:], f.Page)

	sum := chain(prevChecksum, buf[:HeaderLen+len(f.Page)])
	binary.LittleEndian.PutUint32(buf[HeaderLen+len(f.Page):], sum[0])
	binary.LittleEndian.PutUint32(buf[HeaderLen+len(f.Page)+4:], sum[1])

	return buf, sum, nil
}

// DecodeFrame reverses EncodeFrame. pageSize must be known ahead of time
// (from the segment header) since the record has no inline length prefix.
func DecodeFrame(raw []byte, pageSize int) (Frame, error) {
	want := HeaderLen + pageSize + ChecksumLen
	if len(raw) < want {
		return Frame{}, fmt.Errorf("%w: frame record too short: got %d want %d", ErrFormat, len(raw), want)
	}

	f := Frame{
		FrameNo:   binary.LittleEndian.Uint64(raw[0:8]),
		PageNo:    binary.LittleEndian.Uint32(raw[8:12]),
		SizeAfter: binary.LittleEndian.Uint32(raw[12:16]),
		Salts:     [2]uint32{binary.LittleEndian.Uint32(raw[16:20]), binary.LittleEndian.Uint32(raw[20:24])},
	}
	if f.PageNo == 0 {
		return Frame{}, ErrZeroPageNo
	}
	f.Page = append([]byte(nil), raw[HeaderLen:HeaderLen+pageSize]...)
	f.Checksum = [2]uint32{
		binary.LittleEndian.Uint32(raw[HeaderLen+pageSize : HeaderLen+pageSize+4]),
		binary.LittleEndian.Uint32(raw[HeaderLen+pageSize+4 : HeaderLen+pageSize+8]),
	}
	return f, nil
}

// VerifyFrame recomputes the chained checksum over raw (a frame record
// without its trailing checksum bytes reinterpreted) and compares it
// against the checksum embedded in the record. It also rejects frames whose
// salts disagree with expectedSalts, which signals the frame belongs to a
// different generation than the one being replayed.
func VerifyFrame(prevChecksum [2]uint32, raw []byte, pageSize int, expectedSalts [2]uint32) ([2]uint32, error) {
	want := HeaderLen + pageSize + ChecksumLen
	if len(raw) < want {
		return [2]uint32{}, fmt.Errorf("%w: frame record too short", ErrFormat)
	}

	salts := [2]uint32{binary.LittleEndian.Uint32(raw[16:20]), binary.LittleEndian.Uint32(raw[20:24])}
	if salts != expectedSalts {
		return [2]uint32{}, ErrInvalidSalts
	}

	got := chain(prevChecksum, raw[:HeaderLen+pageSize])
	stored := [2]uint32{
		binary.LittleEndian.Uint32(raw[HeaderLen+pageSize : HeaderLen+pageSize+4]),
		binary.LittleEndian.Uint32(raw[HeaderLen+pageSize+4 : HeaderLen+pageSize+8]),
	}
	if got != stored {
		return [2]uint32{}, ErrChecksumMismatch
	}
	return got, nil
}

func putHeader(buf []byte, f Frame) {
	binary.LittleEndian.PutUint64(buf[0:8], f.FrameNo)
	binary.LittleEndian.PutUint32(buf[8:12], f.PageNo)
	binary.LittleEndian.PutUint32(buf[12:16], f.SizeAfter)
	binary.LittleEndian.PutUint32(buf[16:20], f.Salts[0])
	binary.LittleEndian.PutUint32(buf[20:24], f.Salts[1])
}

// chain folds data (header-plus-page bytes, always a multiple of 8) into
// prev using the same rolling two-word accumulator scheme SQLite's own WAL
// uses: read data as a stream of little-endian uint32 pairs (x0, x1) and
// fold each pair as s0 += x0 + s1; s1 += x1 + s0. The scheme is deliberately
// order-sensitive so that truncating or reordering frames is detectable.
func chain(prev [2]uint32, data []byte) [2]uint32 {
	s0, s1 := prev[0], prev[1]
	for i := 0; i+8 <= len(data); i += 8 {
		x0 := binary.LittleEndian.Uint32(data[i : i+4])
		x1 := binary.LittleEndian.Uint32(data[i+4 : i+8])
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return [2]uint32{s0, s1}
}

// EncodeSegmentHeader serializes h into SegmentHeaderLen bytes.
func EncodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, SegmentHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[20:28], h.EndFrameNo)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.TimestampUnix))
	return buf
}

// ReadSegmentHeader validates the magic, version, and page size of raw and
// returns the parsed header. It fails fast on corrupt segments rather than
// attempting partial recovery.
func ReadSegmentHeader(raw []byte) (SegmentHeader, error) {
	if len(raw) < SegmentHeaderLen {
		return SegmentHeader{}, fmt.Errorf("%w: segment header too short", ErrFormat)
	}
	h := SegmentHeader{
		Magic:        binary.LittleEndian.Uint32(raw[0:4]),
		Version:      binary.LittleEndian.Uint32(raw[4:8]),
		PageSize:     binary.LittleEndian.Uint32(raw[8:12]),
		StartFrameNo: binary.LittleEndian.Uint64(raw[12:20]),
		EndFrameNo:   binary.LittleEndian.Uint64(raw[20:28]),
	}
	h.TimestampUnix = uint64(binary.LittleEndian.Uint32(raw[28:32]))
	if h.Magic != SegmentMagic {
		return SegmentHeader{}, fmt.Errorf("%w: bad segment magic %#x", ErrFormat, h.Magic)
	}
	if h.Version != SegmentVersion {
		return SegmentHeader{}, fmt.Errorf("%w: unsupported segment version %d", ErrFormat, h.Version)
	}
	if h.PageSize == 0 {
		return SegmentHeader{}, fmt.Errorf("%w: zero page size", ErrFormat)
	}
	if h.EndFrameNo < h.StartFrameNo {
		return SegmentHeader{}, fmt.Errorf("%w: end_frame_no %d < start_frame_no %d", ErrFormat, h.EndFrameNo, h.StartFrameNo)
	}
	return h, nil
}

// BuildIndex emits a compact ordered map from page_no to in-segment byte
// offset, sorted ascending by page_no so a reader can binary-search it.
// Later entries for the same page overwrite earlier ones, matching restore
// semantics where the latest frame for a page wins.
func BuildIndex(entries []IndexEntry) []byte {
	byPage := make(map[uint32]uint32, len(entries))
	for _, e := range entries {
		byPage[e.PageNo] = e.Offset
	}
	pages := make([]uint32, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	buf := make([]byte, len(pages)*IndexEntryLen)
	for i, p := range pages {
		binary.LittleEndian.PutUint32(buf[i*IndexEntryLen:], p)
		binary.LittleEndian.PutUint32(buf[i*IndexEntryLen+4:], byPage[p])
	}
	return buf
}

// LookupIndex binary-searches an index block built by BuildIndex for
// pageNo, returning its byte offset and true if present.
func LookupIndex(index []byte, pageNo uint32) (uint32, bool) {
	n := len(index) / IndexEntryLen
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		p := binary.LittleEndian.Uint32(index[mid*IndexEntryLen:])
		switch {
		case p == pageNo:
			return binary.LittleEndian.Uint32(index[mid*IndexEntryLen+4:]), true
		case p < pageNo:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

// IndexEntry is one (page_no, offset) pair fed to BuildIndex in the order
// frames were appended to the segment.
type IndexEntry struct {
	PageNo uint32
	Offset uint32
}

// DecodeIndex returns every (page_no, offset) pair in an index block built
// by BuildIndex, in the ascending page_no order it is already stored in.
// Used by the compactor's union iterator, which needs to walk every
// distinct page a segment covers rather than look up one page at a time.
func DecodeIndex(index []byte) []IndexEntry {
	n := len(index) / IndexEntryLen
	out := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		out[i] = IndexEntry{
			PageNo: binary.LittleEndian.Uint32(index[i*IndexEntryLen:]),
			Offset: binary.LittleEndian.Uint32(index[i*IndexEntryLen+4:]),
		}
	}
	return out
}
