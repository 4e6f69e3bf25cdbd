// Package segment implements the local, file-backed layer of a WAL
// segment: an append-only writer for the active (unsealed) segment and a
// random-access reader for sealed segments, generalizing the raft-log
// segment reader this package is adapted from to page-indexed database
// frames.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/libsql-go/walreplicator/internal/frame"
)

// WritableFile is the subset of *os.File the writer needs; segment.Writer
// is tested against an in-memory fake implementing this interface.
type WritableFile interface {
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// ReadableFile is the subset of *os.File a sealed-segment reader needs.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
}

// frameRecord remembers where and with what checksum a frame was written so
// that on_undo / on_savepoint_rollback can truncate the active segment back
// to an earlier point without re-reading the file.
type frameRecord struct {
	frameNo  uint64
	pageNo   uint32
	offset   uint32
	length   uint32
	checksum [2]uint32
}

// Writer is the active, unsealed segment: frames are appended to it under
// the caller's write slot and it is sealed exactly once, after which it is
// handed off for upload and never mutated again.
type Writer struct {
	mu sync.Mutex

	f            WritableFile
	pageSize     int
	salts        [2]uint32
	startFrameNo uint64

	writeOffset uint32
	records     []frameRecord
	lastSum     [2]uint32
	sealed      bool
}

// NewWriter creates a writer for a fresh, empty active segment. startFrameNo
// is the frame number the first appended frame must carry.
func NewWriter(f WritableFile, pageSize int, salts [2]uint32, startFrameNo uint64) (*Writer, error) {
	h := frame.SegmentHeader{
		Magic:        frame.SegmentMagic,
		Version:      frame.SegmentVersion,
		PageSize:     uint32(pageSize),
		StartFrameNo: startFrameNo,
		EndFrameNo:   startFrameNo, // corrected on Seal.
	}
	hdr := frame.EncodeSegmentHeader(h)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("segment: write header: %w", err)
	}
	return &Writer{
		f:            f,
		pageSize:     pageSize,
		salts:        salts,
		startFrameNo: startFrameNo,
		writeOffset:  uint32(frame.SegmentHeaderLen),
	}, nil
}

// Append encodes fr and writes it at the current tail of the segment,
// chaining its checksum from the previous frame (or zero, for the first
// frame in the segment). It returns the byte offset the frame was written
// at so callers can build an in-memory index entry immediately.
func (w *Writer) Append(fr frame.Frame) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return 0, fmt.Errorf("segment: append to sealed segment")
	}
	fr.Salts = w.salts

	raw, sum, err := frame.EncodeFrame(w.lastSum, fr)
	if err != nil {
		return 0, err
	}
	offset := w.writeOffset
	if _, err := w.f.WriteAt(raw, int64(offset)); err != nil {
		return 0, fmt.Errorf("segment: append frame %d: %w", fr.FrameNo, err)
	}

	w.records = append(w.records, frameRecord{
		frameNo:  fr.FrameNo,
		pageNo:   fr.PageNo,
		offset:   offset,
		length:   uint32(len(raw)),
		checksum: sum,
	})
	w.lastSum = sum
	w.writeOffset += uint32(len(raw))
	return offset, nil
}

// OffsetForFrame implements the tail-lookup interface a Reader uses to
// serve reads against the still-open, unsealed segment.
func (w *Writer) OffsetForFrame(pageNo uint32) (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Latest write for a page wins; walk backwards.
	for i := len(w.records) - 1; i >= 0; i-- {
		if w.records[i].pageNo == pageNo {
			return w.records[i].offset, true
		}
	}
	return 0, false
}

// LastFrameNo returns the frame number of the most recently appended frame,
// or startFrameNo-1 if nothing has been appended yet.
func (w *Writer) LastFrameNo() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.records) == 0 {
		if w.startFrameNo == 0 {
			return 0
		}
		return w.startFrameNo - 1
	}
	return w.records[len(w.records)-1].frameNo
}

// LastChecksum returns the checksum chained through the most recently
// appended frame.
func (w *Writer) LastChecksum() [2]uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSum
}

// TruncateTo discards every record after lastValidFrameNo (inclusive
// semantics: lastValidFrameNo is kept). It is idempotent: truncating to a
// frame number at or after the current tail is a no-op. Used by on_undo and
// on_savepoint_rollback.
func (w *Writer) TruncateTo(lastValidFrameNo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cut := len(w.records)
	for cut > 0 && w.records[cut-1].frameNo > lastValidFrameNo {
		cut--
	}
	if cut == len(w.records) {
		return nil
	}
	var newOffset uint32
	var newSum [2]uint32
	if cut == 0 {
		newOffset = uint32(frame.SegmentHeaderLen)
		newSum = [2]uint32{}
	} else {
		last := w.records[cut-1]
		newOffset = last.offset + last.length
		newSum = last.checksum
	}
	if err := w.f.Truncate(int64(newOffset)); err != nil {
		return fmt.Errorf("segment: truncate: %w", err)
	}
	w.records = w.records[:cut]
	w.writeOffset = newOffset
	w.lastSum = newSum
	return nil
}

// Seal finalizes the segment body: it appends the aggregate-checksum
// footer, fixes up the header's end_frame_no, and prevents further
// appends. It returns the finished header plus the page index block built
// from this segment's writes; the index travels as a separate artifact
// (object extension "index") from the body (extension "segment") so a
// reader can fetch just the index without downloading every page image —
// see internal/store.
func (w *Writer) Seal(endTimestampUnix int64) (frame.SegmentHeader, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return frame.SegmentHeader{}, nil, fmt.Errorf("segment: already sealed")
	}
	if len(w.records) == 0 {
		return frame.SegmentHeader{}, nil, fmt.Errorf("segment: cannot seal an empty segment")
	}

	footer := make([]byte, frame.SegmentFooterLen)
	binary.LittleEndian.PutUint32(footer[0:4], w.lastSum[0])
	binary.LittleEndian.PutUint32(footer[4:8], w.lastSum[1])
	if _, err := w.f.WriteAt(footer, int64(w.writeOffset)); err != nil {
		return frame.SegmentHeader{}, nil, fmt.Errorf("segment: write footer: %w", err)
	}

	h := frame.SegmentHeader{
		Magic:         frame.SegmentMagic,
		Version:       frame.SegmentVersion,
		PageSize:      uint32(w.pageSize),
		StartFrameNo:  w.startFrameNo,
		EndFrameNo:    w.records[len(w.records)-1].frameNo,
		TimestampUnix: uint64(endTimestampUnix),
	}
	if _, err := w.f.WriteAt(frame.EncodeSegmentHeader(h), 0); err != nil {
		return frame.SegmentHeader{}, nil, fmt.Errorf("segment: rewrite header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return frame.SegmentHeader{}, nil, fmt.Errorf("segment: fsync: %w", err)
	}

	entries := make([]frame.IndexEntry, len(w.records))
	for i, r := range w.records {
		entries[i] = frame.IndexEntry{PageNo: r.pageNo, Offset: r.offset}
	}
	idx := frame.BuildIndex(entries)

	w.sealed = true
	return h, idx, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader serves random-access and sequential reads against a sealed
// segment on disk (or, via OpenTail, against the still-open active
// segment).
type Reader struct {
	rf       ReadableFile
	header   frame.SegmentHeader
	index    []byte
	tail     *Writer
	scratch  []byte
	pageSize int
}

// OpenSealed opens a sealed segment body, validating its header, and binds
// it to an already-fetched index block (index blocks are small enough —
// one entry per distinct page in the segment — that callers fetch them as
// a separate, lightweight artifact; see internal/store).
func OpenSealed(rf ReadableFile, index []byte) (*Reader, error) {
	hdrBuf := make([]byte, frame.SegmentHeaderLen)
	if _, err := rf.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("segment: read header: %w", err)
	}
	h, err := frame.ReadSegmentHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	return &Reader{rf: rf, header: h, index: index, pageSize: int(h.PageSize)}, nil
}

// OpenTail wraps the still-open active segment's Writer for reads, used
// when a restore needs to read frames that haven't been sealed yet.
func OpenTail(w *Writer, rf ReadableFile) *Reader {
	return &Reader{rf: rf, tail: w, pageSize: w.pageSize}
}

// Header returns the segment's parsed header.
func (r *Reader) Header() frame.SegmentHeader { return r.header }

// GetFrame returns the latest frame for pageNo within this segment.
func (r *Reader) GetFrame(pageNo uint32) (frame.Frame, bool, error) {
	offset, ok := r.findOffset(pageNo)
	if !ok {
		return frame.Frame{}, false, nil
	}
	f, err := r.readFrameAt(offset)
	return f, true, err
}

func (r *Reader) findOffset(pageNo uint32) (uint32, bool) {
	if r.tail != nil {
		return r.tail.OffsetForFrame(pageNo)
	}
	return frame.LookupIndex(r.index, pageNo)
}

func (r *Reader) readFrameAt(offset uint32) (frame.Frame, error) {
	want := frame.HeaderLen + r.pageSize + frame.ChecksumLen
	if cap(r.scratch) < want {
		r.scratch = make([]byte, want)
	}
	buf := r.scratch[:want]
	if _, err := r.rf.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return frame.Frame{}, fmt.Errorf("segment: read frame at %d: %w", offset, err)
	}
	return frame.DecodeFrame(buf, r.pageSize)
}

// AllFrames reads every frame in the segment in ascending frame_no order,
// exactly the order they were appended, for use by restore and compaction.
// It replays the full frame stream, including frames later superseded by a
// rewrite of the same page within this segment: restore needs every frame
// to verify the unbroken checksum chain, not just each page's latest
// version (that deduplication is what the compactor produces, not what a
// raw segment read returns).
func (r *Reader) AllFrames() ([]frame.Frame, error) {
	if r.tail != nil {
		r.tail.mu.Lock()
		records := make([]frameRecord, len(r.tail.records))
		copy(records, r.tail.records)
		r.tail.mu.Unlock()

		frames := make([]frame.Frame, 0, len(records))
		for _, rec := range records {
			f, err := r.readFrameAt(rec.offset)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
		return frames, nil
	}

	frameSize := uint32(frame.HeaderLen + r.pageSize + frame.ChecksumLen)
	count := r.header.EndFrameNo - r.header.StartFrameNo + 1
	frames := make([]frame.Frame, 0, count)
	for i := uint64(0); i < count; i++ {
		offset := uint32(frame.SegmentHeaderLen) + uint32(i)*frameSize
		f, err := r.readFrameAt(offset)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Close closes the underlying file. No-op for a tail reader since the
// Writer owns that file's lifecycle.
func (r *Reader) Close() error {
	if r.tail != nil {
		return nil
	}
	return r.rf.Close()
}
