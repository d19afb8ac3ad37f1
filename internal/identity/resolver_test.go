package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func newTestResolver(t *testing.T, fallback bool) *PatternResolver {
	t.Helper()
	r, err := New(Config{
		Rules: []Rule{
			{Source: "cian", Host: "cian.ru", Pattern: `/flat/(\d+)`},
			{Source: "avito", Host: "avito.ru", Pattern: `_(?P<id>\d+)$`},
		},
		FallbackToPath: fallback,
	})
	require.NoError(t, err)
	return r
}

func TestResolveMatchesRules(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, false)

	id, ok := r.Resolve("https://www.cian.ru/sale/flat/301234567/")
	require.True(t, ok)
	require.Equal(t, crawler.Identity{Source: "cian", ExternalID: "301234567"}, id)

	id, ok = r.Resolve("https://www.avito.ru/moskva/kvartiry/2-k_kvartira_3456789")
	require.True(t, ok)
	require.Equal(t, crawler.Identity{Source: "avito", ExternalID: "3456789"}, id)
}

func TestResolveIgnoresFragmentAndCase(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, false)
	a, ok := r.Resolve("https://WWW.CIAN.RU/sale/flat/1/#gallery")
	require.True(t, ok)
	b, ok := r.Resolve("https://www.cian.ru/sale/flat/1/")
	require.True(t, ok)
	require.Equal(t, a, b)
}

func TestResolveUnmatched(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, false)
	_, ok := r.Resolve("https://example.com/listing/9")
	require.False(t, ok)
	_, ok = r.Resolve("not a url")
	require.False(t, ok)
	// host filter prevents a cross-site match
	_, ok = r.Resolve("https://notcian.ru/flat/5")
	require.False(t, ok)
}

func TestResolveFallbackToPath(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, true)
	id, ok := r.Resolve("https://example.com/listing/9/")
	require.True(t, ok)
	require.Equal(t, crawler.Identity{Source: "example.com", ExternalID: "/listing/9"}, id)

	_, ok = r.Resolve("https://example.com/")
	require.False(t, ok)
}

func TestNewRejectsBadRules(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Rules: []Rule{{Source: "", Pattern: `(\d+)`}}})
	require.Error(t, err)
	_, err = New(Config{Rules: []Rule{{Source: "x", Pattern: `(`}}})
	require.Error(t, err)
	_, err = New(Config{Rules: []Rule{{Source: "x", Pattern: `\d+`}}})
	require.Error(t, err)
}
