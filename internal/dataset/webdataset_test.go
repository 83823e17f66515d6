package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ctx context.Context, path string, pendingCap int) ([]Sample, error) {
	t.Helper()
	samplesCh, errCh := StreamShard(ctx, path, pendingCap)
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	return samples, <-errCh
}

func TestStreamShardPairsEntries(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []member{
		{"000001.jpg", []byte("jpeg")},
		{"000002.cls", []byte("7")},
		{"000001.cls", []byte(" 3\n")},
		{"000002.png", []byte("png")},
		{"notes.txt", []byte("skip me")},
	})

	samples, err := drain(t, context.Background(), shard, 4)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, Sample{Key: "000001", Image: []byte("jpeg"), Label: 3}, samples[0])
	assert.Equal(t, Sample{Key: "000002", Image: []byte("png"), Label: 7}, samples[1])
}

func TestStreamShardErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := drain(t, context.Background(), filepath.Join(dir, "missing.tar"), 4)
	assert.ErrorContains(t, err, "open shard")

	bad := writeShard(t, dir, "bad.tar", []member{{"a.jpg", []byte("x")}, {"a.cls", []byte("cat")}})
	_, err = drain(t, context.Background(), bad, 4)
	assert.ErrorContains(t, err, "parse label")

	orphan := writeShard(t, dir, "orphan.tar", []member{{"a.jpg", []byte("x")}})
	_, err = drain(t, context.Background(), orphan, 4)
	assert.ErrorContains(t, err, "1 samples incomplete")

	var many []member
	for i := 0; i < 3; i++ {
		many = append(many, member{strconv.Itoa(i) + ".jpg", []byte("x")})
	}
	overflow := writeShard(t, dir, "overflow.tar", many)
	_, err = drain(t, context.Background(), overflow, 2)
	assert.ErrorIs(t, err, ErrPendingOverflow)
}

func TestStreamShardStopsOnCancel(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []member{
		{"000001.png", []byte("png")},
		{"000001.cls", []byte("1")},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	samples, err := drain(t, ctx, shard, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, samples)
}

type member struct {
	name string
	data []byte
}

func writeShard(t *testing.T, dir, name string, members []member) string {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, m := range members {
		addTarPayload(t, tw, m.name, m.data)
	}
	require.NoError(t, tw.Close())
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(data)
	require.NoError(t, err)
}
