//go:build cloudintegration

package s3_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/pkg/archive"
	"github.com/slurmscope/slurmscope/pkg/archive/s3"
	"github.com/slurmscope/slurmscope/test/cloudtest"
)

func newSink(t *testing.T, ctx context.Context, bucket, prefix string) *s3.Sink {
	t.Helper()
	sink, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSink_StoreOpen_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	sink := newSink(t, ctx, bucket, "")

	key := "snapshots/hpc-main/20260302T083015Z.txt"
	require.NoError(t, sink.Store(ctx, key, strings.NewReader("1001|gpu|RUNNING\n")))

	rc, err := sink.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "1001|gpu|RUNNING\n", string(data))

	// Overwrite replaces the object.
	require.NoError(t, sink.Store(ctx, key, strings.NewReader("replaced")))
	rc2, err := sink.Open(ctx, key)
	require.NoError(t, err)
	defer rc2.Close()
	data, err = io.ReadAll(rc2)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestSink_List_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	sink := newSink(t, ctx, bucket, "")

	require.NoError(t, sink.Store(ctx, "snapshots/hostb/2.txt", strings.NewReader("bb")))
	require.NoError(t, sink.Store(ctx, "snapshots/hosta/1.txt", strings.NewReader("a")))
	require.NoError(t, sink.Store(ctx, "exports/run.jsonl", strings.NewReader("ccc")))

	entries, err := sink.List(ctx, "snapshots/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "snapshots/hosta/1.txt", entries[0].Key)
	assert.Equal(t, int64(1), entries[0].Size)
	assert.Equal(t, "snapshots/hostb/2.txt", entries[1].Key)
}

func TestSink_PrefixIsolation_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	prod := newSink(t, ctx, bucket, "prod")
	staging := newSink(t, ctx, bucket, "staging")

	require.NoError(t, prod.Store(ctx, "snapshots/h/1.txt", strings.NewReader("prod")))
	require.NoError(t, staging.Store(ctx, "snapshots/h/1.txt", strings.NewReader("staging")))

	entries, err := prod.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshots/h/1.txt", entries[0].Key)

	rc, err := prod.Open(ctx, "snapshots/h/1.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "prod", string(data))
}

func TestSink_OpenMissing_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	sink := newSink(t, ctx, bucket, "")

	_, err := sink.Open(ctx, "absent.txt")
	require.Error(t, err)
	assert.True(t, archive.IsNotFound(err))
}
