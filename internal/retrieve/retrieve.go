// Package retrieve is C4: the candidate retriever. It produces the top-K
// chunks for a query using vector similarity, an in-process BM25 lexical
// index, or both fused together.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ragpilot/internal/apperr"
	"ragpilot/internal/domain"
	"ragpilot/internal/retrieve/lexical"
	"ragpilot/internal/store"
)

// Embedder is the subset of internal/embedclient.Client this package needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures pool sizes and fusion weight.
type Config struct {
	CandidatePool int     // N: vector/lexical fan-out size, default 50
	TopK          int     // K: final result size, default 10
	Alpha         float64 // vector weight in hybrid fusion, default 0.7
}

// Retriever is C4.
type Retriever struct {
	vector   store.VectorStore
	lexical  *lexical.Index
	embedder Embedder
	cfg      Config
}

// New builds a Retriever over the given vector store and lexical index.
func New(vector store.VectorStore, lex *lexical.Index, embedder Embedder, cfg Config) *Retriever {
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = 50
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.7
	}
	return &Retriever{vector: vector, lexical: lex, embedder: embedder, cfg: cfg}
}

// Retrieve returns up to TopK candidates for req, using req.Mode (default
// hybrid). Returned candidates are distinct by chunk id, length <= K,
// sorted descending by the score used for the chosen mode.
func (r *Retriever) Retrieve(ctx context.Context, req domain.QueryRequest) ([]domain.Candidate, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeHybrid
	}
	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	var candidates []domain.Candidate
	var err error
	switch mode {
	case domain.ModeVectorOnly:
		candidates, err = r.vectorOnly(ctx, req)
	case domain.ModeLexicalOnly:
		candidates = r.lexicalOnly(req)
	default:
		candidates, err = r.hybrid(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	candidates = applyFilters(candidates, req.Filters)
	sortByActiveScore(candidates, mode)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (r *Retriever) vectorOnly(ctx context.Context, req domain.QueryRequest) ([]domain.Candidate, error) {
	vecs, err := r.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	results, err := r.vector.SimilaritySearch(ctx, vecs[0], r.cfg.CandidatePool, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeVectorStoreUnavailable,
			"vector store unavailable", err)
	}
	out := make([]domain.Candidate, 0, len(results))
	for i, res := range results {
		out = append(out, vectorResultToCandidate(res, i))
	}
	return out, nil
}

func (r *Retriever) lexicalOnly(req domain.QueryRequest) []domain.Candidate {
	hits := r.lexical.Search(req.Query, r.cfg.CandidatePool)
	out := make([]domain.Candidate, 0, len(hits))
	for i, h := range hits {
		text, _ := r.lexical.Text(h.ID)
		out = append(out, domain.Candidate{
			ChunkID:    h.ID,
			BM25Score:  h.Score,
			FusedScore: h.Score,
			Text:       text,
			Rank:       i,
		})
	}
	return out
}

func (r *Retriever) hybrid(ctx context.Context, req domain.QueryRequest) ([]domain.Candidate, error) {
	vecCandidates, err := r.vectorOnly(ctx, req)
	if err != nil {
		return nil, err
	}
	lexHits := r.lexical.Search(req.Query, r.cfg.CandidatePool)

	byID := make(map[string]*domain.Candidate, len(vecCandidates)+len(lexHits))
	for i := range vecCandidates {
		c := vecCandidates[i]
		byID[c.ChunkID] = &c
	}
	for _, h := range lexHits {
		if existing, ok := byID[h.ID]; ok {
			existing.BM25Score = h.Score
		} else {
			text, _ := r.lexical.Text(h.ID)
			byID[h.ID] = &domain.Candidate{ChunkID: h.ID, BM25Score: h.Score, Text: text}
		}
	}

	vecScores := make(map[string]float64, len(byID))
	bm25Scores := make(map[string]float64, len(byID))
	for id, c := range byID {
		vecScores[id] = c.VectorScore
		bm25Scores[id] = c.BM25Score
	}
	vecNorm := minMaxNormalize(vecScores)
	bm25Norm := minMaxNormalize(bm25Scores)

	out := make([]domain.Candidate, 0, len(byID))
	for id, c := range byID {
		c.FusedScore = r.cfg.Alpha*vecNorm[id] + (1-r.cfg.Alpha)*bm25Norm[id]
		out = append(out, *c)
	}
	return out, nil
}

func vectorResultToCandidate(res store.VectorResult, rank int) domain.Candidate {
	text := res.Metadata["text"]
	return domain.Candidate{
		ChunkID:     res.ID,
		VectorScore: res.Score,
		FusedScore:  res.Score,
		DocID:       res.Metadata["doc_id"],
		Title:       res.Metadata["title"],
		URL:         res.Metadata["url"],
		Text:        text,
		Metadata:    res.Metadata,
		Rank:        rank,
	}
}

// minMaxNormalize scales values to [0,1]; a single-valued (or empty) set
// maps every score to 1 to avoid a divide-by-zero collapse to all-0.
func minMaxNormalize(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	min, max := firstValue(scores), firstValue(scores)
	for _, v := range scores {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	spread := max - min
	for k, v := range scores {
		if spread == 0 {
			out[k] = 1
			continue
		}
		out[k] = (v - min) / spread
	}
	return out
}

func firstValue(m map[string]float64) float64 {
	for _, v := range m {
		return v
	}
	return 0
}

func applyFilters(candidates []domain.Candidate, filters map[string]string) []domain.Candidate {
	if len(filters) == 0 {
		return candidates
	}
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if matchesFilters(c.Metadata, filters) {
			out = append(out, c)
		}
	}
	return out
}

func matchesFilters(metadata map[string]string, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func sortByActiveScore(candidates []domain.Candidate, mode domain.RetrievalMode) {
	score := func(c domain.Candidate) float64 {
		switch mode {
		case domain.ModeVectorOnly:
			return c.VectorScore
		case domain.ModeLexicalOnly:
			return c.BM25Score
		default:
			return c.FusedScore
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return score(candidates[i]) > score(candidates[j]) })
}

// Snippet returns a short excerpt of text centered on the first match of
// any query term, falling back to a leading window when nothing matches.
func Snippet(text, query string, width int) string {
	if width <= 0 {
		width = 160
	}
	if len(text) <= width {
		return text
	}
	terms := lexical.Tokenize(query)
	lower := strings.ToLower(text)
	idx := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (idx == -1 || i < idx) {
			idx = i
		}
	}
	if idx == -1 {
		return text[:width] + "..."
	}
	start := idx - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(text) {
		end = len(text)
		start = end - width
		if start < 0 {
			start = 0
		}
	}
	prefix, suffix := "", ""
	if start > 0 {
		prefix = "..."
	}
	if end < len(text) {
		suffix = "..."
	}
	return fmt.Sprintf("%s%s%s", prefix, text[start:end], suffix)
}
