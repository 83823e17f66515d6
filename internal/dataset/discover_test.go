package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "shard-1.tar"))

	shards, err := DiscoverShards(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}, shards)
}

func TestDiscoverShardsGrowth(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))

	first, err := DiscoverShards(dir)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	mustWrite(t, filepath.Join(dir, "shard-000001.tar"))

	second, err := DiscoverShards(dir)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestDiscoverRootsRejectsEmptyRoot(t *testing.T) {
	full, empty := t.TempDir(), t.TempDir()
	mustWrite(t, filepath.Join(full, "shard-000000.tar"))

	roots, err := DiscoverRoots([]string{full})
	require.NoError(t, err)
	assert.Len(t, roots[full], 1)

	_, err = DiscoverRoots([]string{full, empty})
	assert.ErrorContains(t, err, "none under")
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
}
