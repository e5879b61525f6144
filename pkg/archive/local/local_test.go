package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/pkg/archive"
)

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	return s, dir
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base dir")

	_, err = New(Config{BaseDir: "   "})
	require.Error(t, err)
}

func TestStoreOpenRoundTrip(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	key := "snapshots/hpc-main/20260302T083015Z.txt"
	require.NoError(t, s.Store(ctx, key, strings.NewReader("1001|gpu|RUNNING\n")))

	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "1001|gpu|RUNNING\n", string(data))
}

func TestStoreOverwrites(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "k.txt", strings.NewReader("old")))
	require.NoError(t, s.Store(ctx, "k.txt", strings.NewReader("new")))

	rc, err := s.Open(ctx, "k.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "deep/nested/k.txt", strings.NewReader("x")))

	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			names = append(names, d.Name())
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "k.txt", names[0])
}

func TestListPrefix(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "snapshots/hostb/2.txt", strings.NewReader("bb")))
	require.NoError(t, s.Store(ctx, "snapshots/hosta/1.txt", strings.NewReader("a")))
	require.NoError(t, s.Store(ctx, "exports/run.jsonl", strings.NewReader("ccc")))

	entries, err := s.List(ctx, "snapshots")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "snapshots/hosta/1.txt", entries[0].Key)
	assert.Equal(t, int64(1), entries[0].Size)
	assert.Equal(t, "snapshots/hostb/2.txt", entries[1].Key)
	assert.False(t, entries[0].LastModified.IsZero())

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenMissing(t *testing.T) {
	s, _ := newTestSink(t)
	_, err := s.Open(context.Background(), "nope.txt")
	require.Error(t, err)
	assert.True(t, archive.IsNotFound(err))

	var sinkErr *archive.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, "Open", sinkErr.Op)
	assert.Equal(t, "local", sinkErr.Sink)
}

func TestPathTraversalContained(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()

	// Escaping segments anchor back inside the base dir instead of
	// writing outside it.
	require.NoError(t, s.Store(ctx, "../escape.txt", strings.NewReader("x")))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))

	rc, err := s.Open(ctx, "escape.txt")
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, s.Store(ctx, "a/../b.txt", strings.NewReader("x")))
	rc, err = s.Open(ctx, "b.txt")
	require.NoError(t, err)
	rc.Close()
}
