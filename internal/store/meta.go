package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/libsql-go/walreplicator/internal/walerr"
)

// metaLen is the fixed size of the sidecar -info/.meta file: version(4) +
// durable_frame_no(8) + generation_id(16) + database_id(16) + hash(4).
const metaLen = 4 + 8 + 16 + 16 + 4

// Meta is the per-database sidecar record from spec §6, persisted next to
// the database file so a later process can resume without re-uploading
// frames it already knows are durable.
type Meta struct {
	Version        uint32
	DurableFrameNo uint64
	GenerationID   [16]byte
	DatabaseID     [16]byte
}

func (m Meta) encode() []byte {
	buf := make([]byte, metaLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.Version)
	binary.LittleEndian.PutUint64(buf[4:12], m.DurableFrameNo)
	copy(buf[12:28], m.GenerationID[:])
	copy(buf[28:44], m.DatabaseID[:])
	sum := crc32.ChecksumIEEE(buf[:44])
	binary.LittleEndian.PutUint32(buf[44:48], sum)
	return buf
}

func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) != metaLen {
		return Meta{}, fmt.Errorf("store: malformed meta file (len=%d, want %d)", len(buf), metaLen)
	}
	sum := crc32.ChecksumIEEE(buf[:44])
	wantSum := binary.LittleEndian.Uint32(buf[44:48])
	if sum != wantSum {
		return Meta{}, fmt.Errorf("%w: meta file hash mismatch", walerr.ErrFatal)
	}
	var m Meta
	m.Version = binary.LittleEndian.Uint32(buf[0:4])
	m.DurableFrameNo = binary.LittleEndian.Uint64(buf[4:12])
	copy(m.GenerationID[:], buf[12:28])
	copy(m.DatabaseID[:], buf[28:44])
	return m, nil
}

// WriteMeta atomically (write-then-rename) persists m to path.
func WriteMeta(path string, m Meta) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, m.encode(), 0o600); err != nil {
		return fmt.Errorf("store: write meta %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// ReadMeta loads and verifies the sidecar meta file at path. A hash
// mismatch is a Fatal error: the process must refuse to open the database.
func ReadMeta(path string) (Meta, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	return decodeMeta(buf)
}
