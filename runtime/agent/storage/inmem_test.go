package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownload(t *testing.T) {
	s := NewInMem()
	ctx := context.Background()

	blob, err := s.Upload(ctx, ContentFolder, []byte("payload"), "text/plain", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, blob.URI, "memblob://agents/content/")
	assert.Equal(t, int64(7), blob.Size)

	data, err := s.Download(ctx, blob.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = s.Download(ctx, "memblob://agents/content/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadsOfIdenticalBytesAreDistinct(t *testing.T) {
	s := NewInMem()
	ctx := context.Background()

	a, err := s.Upload(ctx, ContentFolder, []byte("same"), "text/plain", time.Hour)
	require.NoError(t, err)
	b, err := s.Upload(ctx, ContentFolder, []byte("same"), "text/plain", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a.URI, b.URI)
}

func TestSignedURLFreshness(t *testing.T) {
	s := NewInMem()
	ctx := context.Background()

	blob, err := s.Upload(ctx, ContentFolder, []byte("x"), "text/plain", time.Hour)
	require.NoError(t, err)

	u1, err := s.SignedURL(ctx, blob.URI, time.Hour)
	require.NoError(t, err)
	u2, err := s.SignedURL(ctx, blob.URI, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2, "signed URLs must embed fresh random state")

	// Signed URLs resolve back to the blob.
	data, err := s.Download(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = s.SignedURL(ctx, "memblob://agents/content/missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}
