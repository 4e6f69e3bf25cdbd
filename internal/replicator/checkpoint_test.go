package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeImageSource struct {
	image []byte
}

func (f *fakeImageSource) DBImage() ([]byte, error) { return f.image, nil }

func TestOnCheckpointIgnoresWeakModes(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")
	genBefore := r.Generation()

	require.NoError(t, r.OnCheckpoint(context.Background(), CheckpointPassive))
	require.NoError(t, r.OnCheckpoint(context.Background(), CheckpointFull))
	require.NoError(t, r.OnCheckpoint(context.Background(), CheckpointRestart))

	require.Equal(t, genBefore, r.Generation())
}

func TestOnCheckpointTruncateRotatesGeneration(t *testing.T) {
	r, st := newTestReplicator(t, "db1")
	r.images = &fakeImageSource{image: []byte("sqlite-db-image")}
	_ = st

	genBefore := r.Generation()
	require.NoError(t, r.OnFrames(16, []PageWrite{
		{PageNo: 1, Data: page(1, 16)},
		{PageNo: 2, Data: page(2, 16)},
	}, 2, true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.OnCheckpoint(ctx, CheckpointTruncate))

	require.NotEqual(t, genBefore, r.Generation())
	st2 := r.loadState()
	require.Equal(t, uint64(1), st2.nextFrameNo)
}

func TestOnCheckpointWithoutImageSourceSkipsSnapshot(t *testing.T) {
	r, _ := newTestReplicator(t, "db1")
	require.Nil(t, r.images)

	require.NoError(t, r.OnFrames(16, []PageWrite{{PageNo: 1, Data: page(1, 16)}}, 1, true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.OnCheckpoint(ctx, CheckpointTruncate))
}
