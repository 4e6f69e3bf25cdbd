package frame

import "errors"

// Error kinds returned by the codec. Callers translate failures into the
// error kinds of internal/walerr; the codec itself never aborts a
// transaction.
var (
	// ErrFormat indicates a malformed frame, segment header, or index block.
	ErrFormat = errors.New("frame: malformed record")

	// ErrChecksumMismatch indicates the chained checksum recomputed over a
	// frame does not match the checksum stored in it.
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")

	// ErrInvalidSalts indicates a frame's salts disagree with the generation
	// the reader expects, meaning the frame belongs to a different WAL
	// lineage than the one being replayed.
	ErrInvalidSalts = errors.New("frame: salts do not match expected generation")

	// ErrZeroPageNo is returned by EncodeFrame and DecodeFrame for a frame
	// whose PageNo is zero.
	ErrZeroPageNo = errors.New("frame: page_no must be >= 1")
)
