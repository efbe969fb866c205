package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalSourceURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Blog.Example.com/":     "https://blog.example.com",
		"  https://example.com//  ":     "https://example.com",
		"http://example.com/notes/#top": "http://example.com/notes",
	}
	for in, want := range cases {
		got, err := CanonicalSourceURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := CanonicalSourceURL("ftp://example.com")
	require.Error(t, err)
	_, err = CanonicalSourceURL("https://")
	require.Error(t, err)
}

func TestHostNamespace(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", HostNamespace("https://www.Example.com/post/1"))
	require.Equal(t, "blog.example.com", HostNamespace("http://blog.example.com"))
	require.Empty(t, HostNamespace("::not a url"))
}
