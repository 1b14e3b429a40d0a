package catalogue

import (
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

func TestInsertDownloadingRejectsDuplicate(t *testing.T) {
	require := require.New(t)

	c := New()
	desc := chunk.DataChunk{Id: idOf(1), BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(desc))

	err := c.InsertDownloading(desc)
	require.Error(err)
	var already ErrAlreadyPresent
	require.ErrorAs(err, &already)
}

func TestMarkReadyMakesChunkFindable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := New()
	dataset := chunk.DatasetId{0xaa}
	desc := chunk.DataChunk{Id: idOf(1), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 0, Hi: 100}}
	require.NoError(c.InsertDownloading(desc))

	c.MarkReady(desc.Id, "/data/aa/0-100-01", []string{"f"})

	tok, id, path, ok := c.Find(dataset, 50)
	require.True(ok)
	assert.Equal(desc.Id, id)
	assert.Equal("/data/aa/0-100-01", path)

	_, purge := c.Unpin(tok)
	assert.False(purge)
}

func TestOverlapPolicyLaterReadyWinsRegardlessOfChunkId(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dataset := chunk.DatasetId{0xaa}
	small := chunk.DataChunk{Id: idOf(1), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 0, Hi: 100}}
	big := chunk.DataChunk{Id: idOf(2), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 50, Hi: 150}}

	// big becomes Ready first, small becomes Ready second: small must win
	// even though its ChunkId is lexicographically smaller, because it
	// really is the one that became Ready later.
	c := New()
	require.NoError(c.InsertDownloading(big))
	require.NoError(c.InsertDownloading(small))
	c.MarkReady(big.Id, "big-path", nil)
	c.MarkReady(small.Id, "small-path", nil)

	_, id, path, ok := c.Find(dataset, 75)
	require.True(ok)
	assert.Equal(small.Id, id)
	assert.Equal("small-path", path)

	// Mirror image: small becomes Ready first, big becomes Ready second.
	// big wins here too, but because it is later, not merely because it
	// has the larger id — the two cases must not collapse to the same
	// "largest id always wins" outcome.
	c2 := New()
	require.NoError(c2.InsertDownloading(small))
	require.NoError(c2.InsertDownloading(big))
	c2.MarkReady(small.Id, "small-path", nil)
	c2.MarkReady(big.Id, "big-path", nil)

	_, id2, path2, ok := c2.Find(dataset, 75)
	require.True(ok)
	assert.Equal(big.Id, id2)
	assert.Equal("big-path", path2)
}

func TestLaterWinsTieBreaksOnChunkIdOnlyWhenSeqEqual(t *testing.T) {
	require := require.New(t)
	small, big := idOf(1), idOf(2)

	require.True(laterWins(5, big, 5, small))
	require.False(laterWins(5, small, 5, big))

	require.True(laterWins(6, small, 5, big))
	require.False(laterWins(5, big, 6, small))
}

func TestFindOutsideAllRangesMisses(t *testing.T) {
	require := require.New(t)

	c := New()
	dataset := chunk.DatasetId{0xaa}
	desc := chunk.DataChunk{Id: idOf(1), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 10, Hi: 20}}
	require.NoError(c.InsertDownloading(desc))
	c.MarkReady(desc.Id, "path", nil)

	_, _, _, ok := c.Find(dataset, 5)
	require.False(ok)
	_, _, _, ok = c.Find(dataset, 25)
	require.False(ok)
}

func TestTakeForDeleteDownloadingRemovesRecord(t *testing.T) {
	require := require.New(t)

	c := New()
	desc := chunk.DataChunk{Id: idOf(1), BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(desc))

	disp, _ := c.TakeForDelete(desc.Id)
	require.Equal(DeleteCancelDownload, disp)

	_, ok := c.Get(desc.Id)
	require.False(ok)
}

func TestDeletePinnedIsDeferredUntilLastUnpin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := New()
	dataset := chunk.DatasetId{0xaa}
	desc := chunk.DataChunk{Id: idOf(1), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(desc))
	c.MarkReady(desc.Id, "path", nil)

	tok, _, path, ok := c.Find(dataset, 5)
	require.True(ok)
	assert.Equal("path", path)

	disp, _ := c.TakeForDelete(desc.Id)
	require.Equal(DeleteDeferred, disp)

	// Ready chunk is no longer findable once pending delete.
	_, _, _, ok = c.Find(dataset, 5)
	require.False(ok)

	purgePath, shouldPurge := c.Unpin(tok)
	require.True(shouldPurge)
	assert.Equal("path", purgePath)

	_, ok = c.Get(desc.Id)
	require.False(ok)
}

func TestDeleteUnpinnedReadyPurgesImmediately(t *testing.T) {
	require := require.New(t)

	c := New()
	dataset := chunk.DatasetId{0xaa}
	desc := chunk.DataChunk{Id: idOf(1), DatasetId: dataset, BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(desc))
	c.MarkReady(desc.Id, "path", nil)

	disp, path := c.TakeForDelete(desc.Id)
	require.Equal(DeletePurgeNow, disp)
	require.Equal("path", path)

	_, ok := c.Get(desc.Id)
	require.False(ok)
}

func TestDeleteIdempotent(t *testing.T) {
	require := require.New(t)

	c := New()
	disp, _ := c.TakeForDelete(idOf(99))
	require.Equal(DeleteNoop, disp)

	desc := chunk.DataChunk{Id: idOf(1), BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(desc))
	c.MarkReady(desc.Id, "path", nil)

	disp1, _ := c.TakeForDelete(desc.Id)
	require.Equal(DeletePurgeNow, disp1)

	disp2, _ := c.TakeForDelete(desc.Id)
	require.Equal(DeleteNoop, disp2)
}

func TestListOnlyReturnsReady(t *testing.T) {
	require := require.New(t)

	c := New()
	downloading := chunk.DataChunk{Id: idOf(1), BlockRange: chunk.BlockRange{Lo: 0, Hi: 10}}
	require.NoError(c.InsertDownloading(downloading))

	ready := chunk.DataChunk{Id: idOf(2), BlockRange: chunk.BlockRange{Lo: 20, Hi: 30}}
	require.NoError(c.InsertDownloading(ready))
	c.MarkReady(ready.Id, "path", nil)

	ids := c.List()
	require.Len(ids, 1)
	require.Equal(ready.Id, ids[0])
}
