package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "articles", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "articles", msgs[0].Topic)
	require.Len(t, pub.Topic("audit"), 1)

	msgs[0].Topic = "modified"
	require.Equal(t, "articles", pub.Messages()[0].Topic)

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
}

func TestBoundedPublisherDropsOldest(t *testing.T) {
	t.Parallel()

	pub := NewBounded(2)
	for _, payload := range []string{"a", "b", "c"} {
		_, err := pub.Publish(context.Background(), "articles", payload)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "b", msgs[0].Payload)
	require.Equal(t, "c", msgs[1].Payload)
}
