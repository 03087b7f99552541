package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Auto.RIA.com:443/uk/auto_1.html#photos", "https://auto.ria.com/uk/auto_1.html"},
		{"http://example.com:80/a?b=2&a=1", "http://example.com/a?a=1&b=2"},
		{"  https://example.com/a?  ", "https://example.com/a"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestNormalizeURLRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ftp://example.com/x", "mailto:someone@example.com", "/relative/path", "http://%zz"} {
		_, err := NormalizeURL(raw)
		require.Error(t, err, raw)
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://example.com/uk/car/used/?page=2", "/uk/auto_42.html#top")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/uk/auto_42.html", got)

	got, err = ResolveURL("https://example.com/list/", "auto_7.html")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/list/auto_7.html", got)

	_, err = ResolveURL("https://example.com/", "javascript:void(0)")
	require.Error(t, err)
}

func TestWithQueryParam(t *testing.T) {
	t.Parallel()

	got, err := WithQueryParam("https://example.com/uk/car/used/?sort=new", "page", "3")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/uk/car/used/?page=3&sort=new", got)
}
