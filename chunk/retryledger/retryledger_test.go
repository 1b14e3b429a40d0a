package retryledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguohua/chunkvault/chunk"
)

func idOf(b byte) chunk.ChunkId {
	var id chunk.ChunkId
	id[31] = b
	return id
}

func TestRecordFailureIncrements(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, err := Open(t.TempDir())
	require.NoError(err)
	defer l.Close()

	ctx := context.Background()
	id := idOf(1)

	assert.Equal(uint32(0), l.Attempts(ctx, id))
	assert.Equal(uint32(1), l.RecordFailure(ctx, id))
	assert.Equal(uint32(2), l.RecordFailure(ctx, id))
	assert.Equal(uint32(2), l.Attempts(ctx, id))
}

func TestResetClearsCount(t *testing.T) {
	require := require.New(t)

	l, err := Open(t.TempDir())
	require.NoError(err)
	defer l.Close()

	ctx := context.Background()
	id := idOf(1)

	l.RecordFailure(ctx, id)
	l.RecordFailure(ctx, id)
	l.Reset(ctx, id)

	require.Equal(uint32(0), l.Attempts(ctx, id))
}

func TestNilLedgerFailsOpen(t *testing.T) {
	require := require.New(t)

	var l *Ledger
	require.Equal(uint32(0), l.Attempts(context.Background(), idOf(1)))
	require.Equal(uint32(0), l.RecordFailure(context.Background(), idOf(1)))
	l.Reset(context.Background(), idOf(1))
	require.NoError(l.Close())
}

func TestAttemptsAreIndependentPerId(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, err := Open(t.TempDir())
	require.NoError(err)
	defer l.Close()

	ctx := context.Background()
	l.RecordFailure(ctx, idOf(1))
	assert.Equal(uint32(0), l.Attempts(ctx, idOf(2)))
}
