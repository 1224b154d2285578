package lexical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeDropsStopWordsAndLowercases(t *testing.T) {
	toks := Tokenize("The Quick Brown Fox, and the Lazy Dog!")
	require.Equal(t, []string{"quick", "brown", "fox", "lazy", "dog"}, toks)
}

func TestSearchRanksRarerTermsHigher(t *testing.T) {
	idx := New()
	idx.Build(map[string]string{
		"a": "installing the protocol handler requires configuration",
		"b": "the quick brown fox jumps over the lazy dog",
		"c": "protocol protocol protocol specification details",
	})

	hits := idx.Search("protocol specification", 10)
	require.NotEmpty(t, hits)
	require.Equal(t, "c", hits[0].ID)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New()
	require.Empty(t, idx.Search("anything", 10))
}

func TestSearchNoMatches(t *testing.T) {
	idx := New()
	idx.Build(map[string]string{"a": "hello world"})
	require.Empty(t, idx.Search("zzz yyy", 10))
}

func TestUpsertAddsDocument(t *testing.T) {
	idx := New()
	idx.Build(map[string]string{"a": "hello world"})
	idx.Upsert("b", "goodbye world")

	hits := idx.Search("goodbye", 10)
	require.Len(t, hits, 1)
	require.Equal(t, "b", hits[0].ID)
}

func TestSearchRespectsLimit(t *testing.T) {
	idx := New()
	idx.Build(map[string]string{
		"a": "fox fox fox",
		"b": "fox fox",
		"c": "fox",
	})
	hits := idx.Search("fox", 2)
	require.Len(t, hits, 2)
	require.Equal(t, "a", hits[0].ID)
}
