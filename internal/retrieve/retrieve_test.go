package retrieve

import (
	"context"
	"testing"

	"ragpilot/internal/domain"
	"ragpilot/internal/retrieve/lexical"
	"ragpilot/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{ vec []float32 }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func seedStores(t *testing.T) (store.VectorStore, *lexical.Index) {
	t.Helper()
	vs := store.NewMemoryVector()
	ctx := context.Background()
	require.NoError(t, vs.Upsert(ctx, "c1", []float32{1, 0, 0}, map[string]string{"text": "installing the protocol handler", "doc_id": "d1"}))
	require.NoError(t, vs.Upsert(ctx, "c2", []float32{0, 1, 0}, map[string]string{"text": "a story about a fox", "doc_id": "d2"}))

	idx := lexical.New()
	idx.Build(map[string]string{
		"c1": "installing the protocol handler",
		"c2": "a story about a fox",
		"c3": "protocol specification details only in lexical",
	})
	return vs, idx
}

func TestRetrieveVectorOnly(t *testing.T) {
	vs, idx := seedStores(t)
	r := New(vs, idx, fakeEmbedder{vec: []float32{1, 0, 0}}, Config{})

	got, err := r.Retrieve(context.Background(), domain.QueryRequest{Query: "protocol", Mode: domain.ModeVectorOnly, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, "c1", got[0].ChunkID)
}

func TestRetrieveLexicalOnly(t *testing.T) {
	vs, idx := seedStores(t)
	r := New(vs, idx, fakeEmbedder{vec: []float32{1, 0, 0}}, Config{})

	got, err := r.Retrieve(context.Background(), domain.QueryRequest{Query: "protocol specification", Mode: domain.ModeLexicalOnly, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, "c3", got[0].ChunkID)
}

func TestRetrieveHybridUnionsAndDedupes(t *testing.T) {
	vs, idx := seedStores(t)
	r := New(vs, idx, fakeEmbedder{vec: []float32{1, 0, 0}}, Config{Alpha: 0.7})

	got, err := r.Retrieve(context.Background(), domain.QueryRequest{Query: "protocol", Mode: domain.ModeHybrid, TopK: 5})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range got {
		require.False(t, seen[c.ChunkID], "duplicate chunk id %s", c.ChunkID)
		seen[c.ChunkID] = true
	}
	require.Contains(t, seen, "c1")
}

func TestRetrieveAppliesFilters(t *testing.T) {
	vs, idx := seedStores(t)
	r := New(vs, idx, fakeEmbedder{vec: []float32{1, 0, 0}}, Config{})

	got, err := r.Retrieve(context.Background(), domain.QueryRequest{
		Query: "protocol", Mode: domain.ModeVectorOnly, TopK: 5,
		Filters: map[string]string{"doc_id": "d2"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c2", got[0].ChunkID)
}

func TestMinMaxNormalizeSingleValue(t *testing.T) {
	out := minMaxNormalize(map[string]float64{"a": 5})
	require.Equal(t, 1.0, out["a"])
}

func TestSnippetFallsBackToLeadingWindow(t *testing.T) {
	text := ""
	for i := 0; i < 200; i++ {
		text += "x"
	}
	s := Snippet(text, "nomatch", 50)
	require.LessOrEqual(t, len(s), 53)
}

func TestSnippetCentersOnMatch(t *testing.T) {
	text := "lorem ipsum dolor sit amet the quick brown fox jumps over the lazy dog and keeps running forever"
	s := Snippet(text, "fox", 30)
	require.Contains(t, s, "fox")
}
