// Package confidence is C6: it scores retrieval and generated-answer
// confidence and decides whether to route to the document corpus or to web
// search. It never requests generation itself; it only scores inputs it is
// given.
package confidence

import (
	"strings"

	"ragpilot/internal/domain"
	"ragpilot/internal/retrieve/lexical"
)

var uncertaintyMarkers = []string{
	"i don't know", "unclear", "apologize", "not sure", "no information",
}

// RerankCoverage classifies how the reranker participated in a request.
type RerankCoverage float64

const (
	CoverageRan      RerankCoverage = 1.0
	CoverageFallback RerankCoverage = 0.7
	CoverageDisabled RerankCoverage = 0.4
)

// Route is the routing decision.
type Route = domain.Route

const (
	RouteDoc = domain.RouteDoc
	RouteWeb = domain.RouteWeb
)

// Config holds the tunable weights and threshold, all with spec defaults.
type Config struct {
	Threshold float64 // default 0.3
}

// RetrievalConfidence computes conf_retrieval from the top-3 scored
// candidates, the reranker coverage tier, and query/context token overlap.
// Candidates must already be sorted descending by their active score.
func RetrievalConfidence(query string, candidates []domain.Candidate, coverage RerankCoverage, usedRerank bool) float64 {
	top3 := candidates
	if len(top3) > 3 {
		top3 = top3[:3]
	}

	meanScore := meanActiveScore(top3, usedRerank)
	overlap := queryOverlap(query, top3)

	conf := 0.5*meanScore + 0.3*float64(coverage) + 0.2*overlap
	return clip01(conf)
}

func meanActiveScore(top3 []domain.Candidate, usedRerank bool) float64 {
	if len(top3) == 0 {
		return 0
	}
	var sum float64
	for _, c := range top3 {
		if usedRerank {
			sum += c.RerankScore
		} else {
			sum += c.FusedScore
		}
	}
	return sum / float64(len(top3))
}

// queryOverlap is the Jaccard overlap of normalized query tokens against the
// concatenated top-3 chunk contents, capped at 0.6 then scaled to [0,1].
func queryOverlap(query string, top3 []domain.Candidate) float64 {
	var sb strings.Builder
	for _, c := range top3 {
		sb.WriteString(c.Text)
		sb.WriteByte(' ')
	}
	j := jaccard(lexical.Tokenize(query), lexical.Tokenize(sb.String()))
	if j > 0.6 {
		j = 0.6
	}
	return j / 0.6
}

func jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]bool {
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		out[t] = true
	}
	return out
}

// AnswerConfidence computes the post-synthesis confidence given the
// retrieval confidence, the generated answer text, and the top-3 chunks it
// was grounded on.
func AnswerConfidence(retrievalConfidence float64, answer string, top3 []domain.Candidate) float64 {
	conf := retrievalConfidence

	lower := strings.ToLower(answer)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			conf -= 0.3
			break
		}
	}

	conf += lengthBonus(len(answer))
	conf += 0.2 * answerOverlap(answer, top3)

	return clip01(conf)
}

// lengthBonus adds up to +0.1, linear inside [200,1500] characters, 0 outside.
func lengthBonus(length int) float64 {
	if length < 200 || length > 1500 {
		return 0
	}
	mid := (200.0 + 1500.0) / 2
	span := 1500.0 - 200.0
	distFromEdge := span/2 - absFloat(float64(length)-mid)
	return 0.1 * (distFromEdge / (span / 2))
}

func answerOverlap(answer string, top3 []domain.Candidate) float64 {
	var sb strings.Builder
	for _, c := range top3 {
		sb.WriteString(c.Text)
		sb.WriteByte(' ')
	}
	return jaccard(lexical.Tokenize(answer), lexical.Tokenize(sb.String()))
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Decision is C6's routing outcome for a single request.
type Decision struct {
	Route               Route
	RetrievalConfidence float64
	AnswerConfidence    float64
	Retried             bool
}

// RouteRetrieval decides doc-vs-web before synthesis, based only on
// retrieval confidence and whether web search is enabled.
func RouteRetrieval(cfg Config, webSearchEnabled bool, retrievalConfidence float64) Route {
	if !webSearchEnabled {
		return RouteDoc
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.3
	}
	if retrievalConfidence < threshold {
		return RouteWeb
	}
	return RouteDoc
}

// ShouldRetryWeb decides, after doc-path synthesis, whether the answer's
// confidence is low enough to retry via web search.
func ShouldRetryWeb(cfg Config, webSearchEnabled bool, postSynthesisConfidence float64) bool {
	if !webSearchEnabled {
		return false
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.3
	}
	return postSynthesisConfidence < threshold-0.05
}

// BetterOf picks the higher-confidence of two candidate answers' confidence
// scores, tie-breaking toward doc.
func BetterOf(docConfidence, webConfidence float64) Route {
	if webConfidence > docConfidence {
		return RouteWeb
	}
	return RouteDoc
}
