package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "example.com/1.jpg", "image/jpeg", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://example.com/1.jpg", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Object("example.com/1.jpg")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "image/jpeg", contentType)
	require.Equal(t, []string{"example.com/1.jpg"}, store.Paths())
}
