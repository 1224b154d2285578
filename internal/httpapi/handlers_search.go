package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"ragpilot/internal/domain"
)

type searchRequest struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k"`
	Mode    string            `json:"mode"`
	Filters map[string]string `json:"filters"`
	Rerank  *bool             `json:"rerank"`
}

type searchResultWire struct {
	ChunkID  string            `json:"chunk_id"`
	Score    float64           `json:"score"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

type searchResponse struct {
	Results []searchResultWire `json:"results"`
	Timings map[string]int64   `json:"timings"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "invalid JSON")
		return
	}
	if req.Query == "" {
		writeValidationError(w, "query", "required")
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.Cfg.DefaultTopK
	}
	mode := domain.RetrievalMode(req.Mode)
	if mode == "" {
		mode = domain.RetrievalMode(s.Cfg.DefaultMode)
	}
	useRerank := s.Cfg.DefaultRerank
	if req.Rerank != nil {
		useRerank = *req.Rerank
	}

	retrieveStart := time.Now()
	candidates, err := s.Retriever.Retrieve(r.Context(), domain.QueryRequest{
		Query: req.Query, TopK: topK, Mode: mode, Filters: req.Filters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	retrieveElapsed := time.Since(retrieveStart)

	rerankElapsed := time.Duration(0)
	if useRerank && s.Reranker != nil {
		rerankStart := time.Now()
		result := s.Reranker.Rerank(r.Context(), req.Query, candidates, topK)
		candidates = result.Candidates
		rerankElapsed = time.Since(rerankStart)
	}

	out := make([]searchResultWire, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, searchResultWire{
			ChunkID: c.ChunkID, Score: activeScore(c), Content: c.Text, Metadata: c.Metadata,
		})
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results: out,
		Timings: map[string]int64{
			"retrieve_ms": retrieveElapsed.Milliseconds(),
			"rerank_ms":   rerankElapsed.Milliseconds(),
		},
	})
}

func activeScore(c domain.Candidate) float64 {
	if c.RerankScore != 0 {
		return c.RerankScore
	}
	return c.FusedScore
}
