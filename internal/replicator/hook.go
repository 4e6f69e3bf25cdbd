// Package replicator implements the WAL hook (C3): it is installed into
// the embedded SQL engine's write path, captures dirty pages as they are
// produced, assigns them frame numbers, and hands sealed segments to the
// segment store for durable upload. It also performs restore.
//
// The source this is adapted from exposes its WAL hook through a
// function-pointer vtable (xBegin/xAbort/xFrames/xUndo/xEnd in
// sqlite3_wal_replication). This package models the same five-callback
// shape as a plain Go interface instead, since there is no vtable to
// marshal across a cgo boundary here.
package replicator

import "context"

// CheckpointMode mirrors the SQLite WAL checkpoint modes, ordered from
// weakest to strongest. Only Truncate actually seals and rotates a
// generation; weaker modes are silently ignored to avoid handing out a
// partial log.
type CheckpointMode int

const (
	CheckpointPassive CheckpointMode = iota
	CheckpointFull
	CheckpointRestart
	CheckpointTruncate
)

// PageWrite is one dirty page produced by the current write transaction.
type PageWrite struct {
	PageNo uint32
	Data   []byte
}

// Hook is the five-callback WAL hook contract the SQL engine drives.
type Hook interface {
	// OnFrames is called once per batch of dirty pages flushed by the
	// current write transaction. sizeAfter is the database size in
	// pages once the batch is applied, valid only when isCommit is true.
	OnFrames(pageSize int, pages []PageWrite, sizeAfter uint32, isCommit bool) error

	// OnUndo truncates the active segment back to lastValidFrameNo. Must
	// be idempotent: calling it twice with the same value is a no-op the
	// second time.
	OnUndo(lastValidFrameNo uint64) error

	// OnSavepointRollback is OnUndo at a savepoint boundary.
	OnSavepointRollback(frameNo uint64) error

	// OnCheckpoint handles a checkpoint request. Modes weaker than
	// CheckpointTruncate are no-ops.
	OnCheckpoint(ctx context.Context, mode CheckpointMode) error

	// OnClose detaches the hook without checkpointing.
	OnClose() error
}

// DBImageSource supplies the current full database file contents, used to
// produce a snapshot at generation rotation. It is an external
// collaborator: the replicator does not know how to read the SQL engine's
// backing file itself.
type DBImageSource interface {
	DBImage() (data []byte, err error)
}
