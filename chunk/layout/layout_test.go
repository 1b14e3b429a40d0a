package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguohua/chunkvault/chunk"
)

func mustId(t *testing.T, b byte) chunk.ChunkId {
	t.Helper()
	var id chunk.ChunkId
	id[31] = b
	return id
}

func TestScanEmptyRoot(t *testing.T) {
	l := New(t.TempDir())
	found, err := l.Scan()
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.DirExists(t, l.StagingRoot())
	assert.DirExists(t, l.TrashRoot())
}

func TestCommitThenScanRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l := New(t.TempDir())
	require.NoError(l.EnsureDirs())

	id := mustId(t, 0x01)
	dataset := chunk.DatasetId{0xaa}
	br := chunk.BlockRange{Lo: 0, Hi: 100}

	staging, err := l.PrepareStaging(id)
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(staging, "f"), []byte("data"), 0o644))

	c := chunk.DataChunk{Id: id, DatasetId: dataset, BlockRange: br, Files: map[string]string{"f": "url"}}
	dst, err := l.Commit(c)
	require.NoError(err)
	assert.DirExists(dst)
	assert.NoDirExists(staging)

	found, err := l.Scan()
	require.NoError(err)
	require.Len(found, 1)
	assert.Equal(id, found[0].Id)
	assert.Equal(dataset, found[0].DatasetId)
	assert.Equal(br, found[0].BlockRange)
	assert.Equal([]string{"f"}, found[0].Files)
}

func TestCommitFailsWhenFileMissing(t *testing.T) {
	require := require.New(t)
	l := New(t.TempDir())
	require.NoError(l.EnsureDirs())

	id := mustId(t, 0x02)
	_, err := l.PrepareStaging(id)
	require.NoError(err)

	c := chunk.DataChunk{Id: id, DatasetId: chunk.DatasetId{}, BlockRange: chunk.BlockRange{Lo: 0, Hi: 1}, Files: map[string]string{"missing": "url"}}
	_, err = l.Commit(c)
	require.Error(err)
}

func TestEntombAndPurge(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l := New(t.TempDir())
	require.NoError(l.EnsureDirs())

	id := mustId(t, 0x03)
	staging, err := l.PrepareStaging(id)
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(staging, "f"), []byte("x"), 0o644))

	c := chunk.DataChunk{Id: id, DatasetId: chunk.DatasetId{0x01}, BlockRange: chunk.BlockRange{Lo: 0, Hi: 1}, Files: map[string]string{"f": "u"}}
	dst, err := l.Commit(c)
	require.NoError(err)

	tomb, err := l.Entomb(id, dst)
	require.NoError(err)
	assert.NoDirExists(dst)
	assert.DirExists(tomb)

	require.NoError(l.Purge(tomb))
	assert.NoDirExists(tomb)
}

func TestScanPurgesStaleStagingAndTrash(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	l := New(t.TempDir())
	require.NoError(l.EnsureDirs())

	stale := filepath.Join(l.StagingRoot(), "leftover")
	require.NoError(os.MkdirAll(stale, 0o755))
	staleTrash := filepath.Join(l.TrashRoot(), "leftover")
	require.NoError(os.MkdirAll(staleTrash, 0o755))

	_, err := l.Scan()
	require.NoError(err)

	assert.NoDirExists(stale)
	assert.NoDirExists(staleTrash)
}

func TestScanSkipsEmptyChunkDir(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	l := New(t.TempDir())
	require.NoError(l.EnsureDirs())

	dataset := chunk.DatasetId{0x02}
	empty := l.CanonicalPath(dataset, chunk.BlockRange{Lo: 0, Hi: 10}, mustId(t, 0x09))
	require.NoError(os.MkdirAll(empty, 0o755))

	found, err := l.Scan()
	require.NoError(err)
	assert.Empty(found)
}
