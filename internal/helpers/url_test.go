package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalURL(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"schemeless host with dot segments": {"Docs.Example.org/guide/../api/v2", "https://docs.example.org/api/v2"},
		"default port and campaign tags":    {"http://example.org:80/report?year=2024&utm_campaign=q3#top", "http://example.org/report?year=2024"},
		"custom port kept":                  {"https://example.org:8443/a", "https://example.org:8443/a"},
		"sorted keys and trailing slash":    {"https://example.org/papers/?z=1&a=2&gclid=abc", "https://example.org/papers/?a=2&z=1"},
		"repeated values sorted":            {"https://example.org/?tag=b&tag=a", "https://example.org/?tag=a&tag=b"},
		"protocol relative":                 {"//news.example.org/item/7?fbclid=1", "https://news.example.org/item/7"},
		"duplicate slashes":                 {"https://example.org//x///y", "https://example.org/x/y"},
		"empty path":                        {"https://example.org", "https://example.org/"},
		"flag parameter":                    {"https://example.org/search?verbose", "https://example.org/search?verbose"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := CanonicalURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalURLRejects(t *testing.T) {
	for _, in := range []string{"", "   ", ":///nohost"} {
		_, err := CanonicalURL(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestURLFingerprintIgnoresCosmeticDifferences(t *testing.T) {
	a, err := URLFingerprint("https://Example.org/Paper?b=2&a=1&utm_source=feed")
	require.NoError(t, err)
	b, err := URLFingerprint("HTTPS://example.org:443/Paper?a=1&b=2")
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)

	c, err := URLFingerprint("https://example.org/paper?a=1&b=2")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "paths are case sensitive")
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.org", Domain("https://WWW.Example.org:8080/x"))
	assert.Equal(t, "", Domain("not a url"))
	assert.Equal(t, "", Domain(""))
}
