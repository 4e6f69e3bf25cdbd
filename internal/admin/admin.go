// Package admin implements the operator entry points spec §6 names —
// copy, list, delete, restore, snapshot, verify — as plain functions over
// internal/store and internal/catalog. cmd/walctl is a thin cobra wrapper
// around this package, mirroring how bottomless-cli's main.rs stays a thin
// wrapper around replicator_extras.rs's Replicator helper.
package admin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/frame"
	"github.com/libsql-go/walreplicator/internal/replicator"
	"github.com/libsql-go/walreplicator/internal/segment"
	"github.com/libsql-go/walreplicator/internal/store"
)

// GenerationInfo summarizes one generation for the ls/rm commands.
type GenerationInfo struct {
	Generation string
	CreatedAt  time.Time
	Segments   int
	Bytes      int64
}

// generationTime recovers the creation instant encoded in a generation ID
// minted by replicator.NewGenerationID ("%016x-%s", unix nano, uuid
// suffix). Used only for display and for the ls/rm date filters; malformed
// IDs (there shouldn't be any) report the zero time.
func generationTime(generation string) time.Time {
	head, _, ok := strings.Cut(generation, "-")
	if !ok {
		return time.Time{}
	}
	nanos, err := strconv.ParseUint(head, 16, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(nanos))
}

// List returns every generation known for dbID, newest first, applying the
// optional filters ls supports. When generation is non-empty, the result
// is restricted to that single generation (if it exists).
func List(ctx context.Context, st *store.Store, dbID, generation string, limit int, olderThan, newerThan *time.Time) ([]GenerationInfo, error) {
	all, err := st.ListGenerations(ctx, dbID)
	if err != nil {
		return nil, fmt.Errorf("admin: list generations: %w", err)
	}

	var infos []GenerationInfo
	for _, g := range all {
		if generation != "" && g != generation {
			continue
		}
		createdAt := generationTime(g)
		if olderThan != nil && !createdAt.Before(*olderThan) {
			continue
		}
		if newerThan != nil && !createdAt.After(*newerThan) {
			continue
		}
		remote, err := st.ListRemote(ctx, dbID, g, 0)
		if err != nil {
			return nil, fmt.Errorf("admin: list remote segments for %s: %w", g, err)
		}
		var size int64
		for _, seg := range remote {
			size += seg.SizeBytes
		}
		infos = append(infos, GenerationInfo{Generation: g, CreatedAt: createdAt, Segments: len(remote), Bytes: size})
	}

	// ListGenerations already returns oldest-first; newest-first is more
	// useful for ls/rm, and limit means "the N newest".
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// Copy downloads every segment, index, and snapshot object for generation
// (latest, if empty) into targetDir, mirroring bottomless-cli's "copy"
// command. Files are written flat into targetDir: the snapshot, if the
// generation has one, as db.snapshot, and each segment as
// <start>-<end>.segment plus <start>-<end>.index. This is not the
// <db>-<generation>/<object> layout an objstore.LocalBackend reads, so the
// directory cannot be handed to a Store as a backend root.
func Copy(ctx context.Context, st *store.Store, dbID, generation, targetDir string) error {
	generation, err := resolveGeneration(ctx, st, dbID, generation)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("admin: copy: %w", err)
	}

	if err := st.FetchSnapshot(ctx, dbID, generation, filepath.Join(targetDir, "db.snapshot")); err != nil {
		// Not every generation has a base snapshot; that's fine, the
		// segment chain alone may constitute the whole database so far.
	}

	remote, err := st.ListRemote(ctx, dbID, generation, 0)
	if err != nil {
		return fmt.Errorf("admin: copy: list remote: %w", err)
	}
	for _, seg := range remote {
		if _, _, err := st.FetchSegment(ctx, dbID, generation, seg.Key, targetDir); err != nil {
			return fmt.Errorf("admin: copy: fetch segment %+v: %w", seg.Key, err)
		}
	}
	return nil
}

// Create seeds a brand-new generation for dbID from an existing database
// file, uploading it whole as the generation's base snapshot with no WAL
// segments — the same "adopt an existing database" operation
// bottomless-cli's "create" performs.
func Create(ctx context.Context, st *store.Store, dbID, sourceDBPath string) (string, error) {
	f, err := os.Open(sourceDBPath)
	if err != nil {
		return "", fmt.Errorf("admin: create: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("admin: create: %w", err)
	}

	generation := replicator.NewGenerationID(time.Now())
	if err := st.StoreSnapshot(ctx, dbID, generation, f, info.Size()); err != nil {
		return "", fmt.Errorf("admin: create: store snapshot: %w", err)
	}
	return generation, nil
}

// Snapshot uploads dbPath as generation's (latest, if empty) base
// snapshot, for operators who want to checkpoint a full image without
// waiting for the next WAL-driven checkpoint.
func Snapshot(ctx context.Context, st *store.Store, dbID, generation, dbPath string) error {
	generation, err := resolveGeneration(ctx, st, dbID, generation)
	if err != nil {
		return err
	}
	f, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("admin: snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("admin: snapshot: %w", err)
	}
	return st.StoreSnapshot(ctx, dbID, generation, f, info.Size())
}

// Delete removes generations per spec §6's rm command: either a single
// named generation, or every generation older than olderThan.
func Delete(ctx context.Context, st *store.Store, cat *catalog.Catalog, namespace, dbID, generation string, olderThan *time.Time, grace time.Duration) (int, error) {
	var targets []string
	if generation != "" {
		targets = []string{generation}
	} else if olderThan != nil {
		all, err := List(ctx, st, dbID, "", 0, olderThan, nil)
		if err != nil {
			return 0, err
		}
		for _, g := range all {
			targets = append(targets, g.Generation)
		}
	} else {
		return 0, fmt.Errorf("admin: delete: either a generation or an older-than cutoff is required")
	}

	// DeleteBefore only retires a generation whose newest catalogued
	// segment predates its cutoff; an explicit rm always targets the
	// whole generation, so the cutoff is set safely in the future.
	forceCutoff := time.Now().Add(time.Hour)
	for _, g := range targets {
		if err := st.DeleteBefore(ctx, namespace, dbID, g, forceCutoff, grace); err != nil {
			return 0, fmt.Errorf("admin: delete %s: %w", g, err)
		}
	}
	return len(targets), nil
}

// fileDBWriter implements replicator.DBWriter against a plain file on
// disk, for restore/verify paths that have no live SQLite WAL connection
// to hand pages to.
type fileDBWriter struct {
	f        *os.File
	pageSize int // learned from the first page written
}

func (w *fileDBWriter) InstallBaseImage(base []byte) error {
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.WriteAt(base, 0)
	return err
}

func (w *fileDBWriter) WritePage(pageNo uint32, data []byte) error {
	if w.pageSize == 0 {
		w.pageSize = len(data)
	}
	_, err := w.f.WriteAt(data, int64(pageNo-1)*int64(len(data)))
	return err
}

func (w *fileDBWriter) Truncate(sizeAfterPages uint32) error {
	if w.pageSize == 0 {
		return nil // base image install only; no frame has set the page size yet.
	}
	return w.f.Truncate(int64(sizeAfterPages) * int64(w.pageSize))
}

// Restore reconstructs dbID into destPath from generation (latest, if
// empty), optionally bounded by targetFrameNo/targetTime, and returns
// what the underlying replicator.Restore reported.
func Restore(ctx context.Context, r *replicator.Replicator, destPath, generation string, targetFrameNo *uint64, targetTime *time.Time) (replicator.RestoreResult, error) {
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return replicator.RestoreResult{}, fmt.Errorf("admin: restore: %w", err)
	}
	defer f.Close()

	return r.Restore(ctx, &fileDBWriter{f: f}, replicator.RestoreOptions{
		Generation:      generation,
		TargetFrameNo:   targetFrameNo,
		TargetTimestamp: targetTime,
	})
}

// VerifyResult reports the outcome of walking a generation's checksum
// chain without writing the pages anywhere.
type VerifyResult struct {
	Generation  string
	FramesRead  uint64
	LastFrameNo uint64
	OK          bool
	FailedAt    uint64 // zero unless !OK
}

// Verify replays generation's (latest, if empty) segment chain purely to
// check the checksum chain (spec §3's per-frame invariant), without
// installing any pages. It reuses the same per-segment download and
// decode path restore.go's Restore does, but discards page bytes instead
// of writing them anywhere.
func Verify(ctx context.Context, st *store.Store, logger log.Logger, dbID, generation string, targetFrameNo *uint64, targetTime *time.Time) (VerifyResult, error) {
	generation, err := resolveGeneration(ctx, st, dbID, generation)
	if err != nil {
		return VerifyResult{}, err
	}

	tmpDir, err := os.MkdirTemp("", "walctl-verify-*")
	if err != nil {
		return VerifyResult{}, err
	}
	defer os.RemoveAll(tmpDir)

	remote, err := st.ListRemote(ctx, dbID, generation, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("admin: verify: list remote: %w", err)
	}

	result := VerifyResult{Generation: generation, OK: true}
	var lastSum [2]uint32

outer:
	for _, seg := range remote {
		bodyPath, indexPath, err := st.FetchSegment(ctx, dbID, generation, seg.Key, tmpDir)
		if err != nil {
			return result, fmt.Errorf("admin: verify: fetch segment %+v: %w", seg.Key, err)
		}

		frames, header, closeSeg, err := readSegmentFrames(bodyPath, indexPath)
		if err != nil {
			return result, fmt.Errorf("admin: verify: read segment %+v: %w", seg.Key, err)
		}
		if targetTime != nil && time.Unix(int64(header.TimestampUnix), 0).After(*targetTime) {
			closeSeg()
			break
		}

		// Each segment's checksum chain starts from zero (segment.Writer).
		lastSum = [2]uint32{}
		for _, fr := range frames {
			if targetFrameNo != nil && fr.FrameNo > *targetFrameNo {
				closeSeg()
				break outer
			}
			_, gotSum, encErr := frame.EncodeFrame(lastSum, fr)
			if encErr != nil || gotSum != fr.Checksum {
				result.OK = false
				result.FailedAt = fr.FrameNo
				level.Error(logger).Log("msg", "checksum mismatch", "frame_no", fr.FrameNo, "generation", generation)
				closeSeg()
				return result, nil
			}
			lastSum = gotSum
			result.FramesRead++
			result.LastFrameNo = fr.FrameNo
		}
		closeSeg()
	}
	return result, nil
}

// readSegmentFrames mirrors replicator.readSegmentFrames (unexported
// there): open a fetched segment body+index pair and return every frame
// in ascending frame_no order, its header, and a close func. Kept as a
// small separate copy rather than exporting the replicator package's
// version, since admin's callers (verify) never need a live Replicator.
func readSegmentFrames(bodyPath, indexPath string) ([]frame.Frame, frame.SegmentHeader, func(), error) {
	idx, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, frame.SegmentHeader{}, nil, err
	}
	f, err := os.Open(bodyPath)
	if err != nil {
		return nil, frame.SegmentHeader{}, nil, err
	}
	r, err := segment.OpenSealed(f, idx)
	if err != nil {
		f.Close()
		return nil, frame.SegmentHeader{}, nil, err
	}
	frames, err := r.AllFrames()
	if err != nil {
		f.Close()
		return nil, frame.SegmentHeader{}, nil, err
	}
	return frames, r.Header(), func() { f.Close() }, nil
}

func resolveGeneration(ctx context.Context, st *store.Store, dbID, generation string) (string, error) {
	if generation != "" {
		return generation, nil
	}
	latest, ok, err := st.LatestGeneration(ctx, dbID)
	if err != nil {
		return "", fmt.Errorf("admin: resolve generation: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("admin: no generation found for %s", dbID)
	}
	return latest, nil
}
