// Package catalog persists the local segment catalog the compactor plans
// against: a mapping from (namespace, segment_key) to segment size, backed
// by a single-writer bbolt database exactly as the teacher's metaDB backs
// the raft-wal segment list.
package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

// Key is the tuple that orders segments for a database: {start_frame_no,
// end_frame_no, timestamp}. Its lexicographic ordering over the first two
// fields yields global segment order.
type Key struct {
	StartFrameNo uint64
	EndFrameNo   uint64
	TimestampUnix int64
}

// Entry is one row of the catalog: a segment key plus its stored size.
type Entry struct {
	Key       Key
	SizeBytes uint64
}

var namespacesBucket = []byte("namespaces")

// Catalog is the local, single-writer store of segment metadata for every
// namespace known to this process. All writes occur inside an immediate
// bbolt transaction, matching the single-writer database policy in the
// concurrency model.
type Catalog struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(namespacesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying bbolt database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put records (or overwrites) a segment's size for namespace. Segments may
// legitimately overlap after a compaction pass replaces several inputs with
// one wider output; the catalog keeps both until DeleteBefore or an
// explicit Delete removes the superseded entries.
func (c *Catalog) Put(namespace string, key Key, sizeBytes uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		return b.Put(encodeKey(key), encodeSize(sizeBytes))
	})
}

// Delete removes a single segment entry.
func (c *Catalog) Delete(namespace string, key Key) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		return b.Delete(encodeKey(key))
	})
}

// List returns every segment entry for namespace ordered by (start_frame_no,
// end_frame_no) ascending — the order the compactor's graph builder
// requires. (The replicator's restore lists remote segments instead.)
func (c *Catalog) List(namespace string) ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(namespacesBucket).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			key, err := decodeKey(k)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: key, SizeBytes: decodeSize(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// bbolt already iterates bucket keys in byte order, which because of the
	// fixed-width big-endian encoding below is also frame-number order; sort
	// defensively in case a future key encoding changes that invariant.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.StartFrameNo != entries[j].Key.StartFrameNo {
			return entries[i].Key.StartFrameNo < entries[j].Key.StartFrameNo
		}
		return entries[i].Key.EndFrameNo < entries[j].Key.EndFrameNo
	})
	return entries, nil
}

// DeleteBefore removes every entry for namespace whose end_frame_no lies
// entirely before cutoffFrameNo. Used after a compaction makes a set of
// segments redundant.
func (c *Catalog) DeleteBefore(namespace string, cutoffFrameNo uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		cur := b.Cursor()
		var toDelete [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			key, err := decodeKey(k)
			if err != nil {
				return err
			}
			_ = v
			if key.EndFrameNo < cutoffFrameNo {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func namespaceBucket(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	root := tx.Bucket(namespacesBucket)
	return root.CreateBucketIfNotExists([]byte(namespace))
}

func encodeKey(k Key) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], k.StartFrameNo)
	binary.BigEndian.PutUint64(buf[8:16], k.EndFrameNo)
	binary.BigEndian.PutUint64(buf[16:24], uint64(k.TimestampUnix))
	return buf
}

func decodeKey(buf []byte) (Key, error) {
	if len(buf) != 24 {
		return Key{}, fmt.Errorf("catalog: malformed key (len=%d)", len(buf))
	}
	return Key{
		StartFrameNo:  binary.BigEndian.Uint64(buf[0:8]),
		EndFrameNo:    binary.BigEndian.Uint64(buf[8:16]),
		TimestampUnix: int64(binary.BigEndian.Uint64(buf[16:24])),
	}, nil
}

func encodeSize(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeSize(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
