package s3_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stage "github.com/unclesniper/arceye-stage"
	s3Persist "github.com/unclesniper/arceye-stage/persist/s3"
	"github.com/unclesniper/arceye-stage/persist/s3test"
)

func TestHappyCase(t *testing.T) {
	t.Parallel()
	c, bucketName, closer := s3test.Client()
	defer closer()

	p := s3Persist.NewPersist(c, bucketName, "stages/")
	err := p.Store(context.Background(), "foofoo", []byte("here is some stuff"))
	require.NoError(t, err)
	b, err := p.Load(context.Background(), "foofoo")
	require.NoError(t, err)
	assert.Equal(t, []byte("here is some stuff"), b)
}

func TestArchiveThroughS3(t *testing.T) {
	t.Parallel()
	c, bucketName, closer := s3test.Client()
	defer closer()
	ctx := context.Background()

	dir := t.TempDir()
	s, err := stage.Open(filepath.Join(dir, "stage"), true)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Append([]byte{10, 20, 30})
	require.NoError(t, err)

	p := s3Persist.NewPersist(c, bucketName, "stages/")
	require.NoError(t, stage.Archive(ctx, s, p, "snap"))

	restored, err := stage.Restore(ctx, p, "snap", filepath.Join(dir, "restored"))
	require.NoError(t, err)
	defer restored.Close()
	buf := make([]byte, 3)
	require.NoError(t, restored.ReadChunk(buf, 0))
	assert.Equal(t, []byte{10, 20, 30}, buf)
}
