// Package lexical is an in-process BM25 index over chunk contents, built
// once at startup and swapped atomically on refresh so concurrent readers
// always see a consistent snapshot.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

const (
	k1 = 1.5
	b  = 0.75
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "it": true, "for": true, "on": true,
	"with": true, "as": true, "at": true, "by": true, "this": true, "that": true,
}

// Hit is one scored document from the index.
type Hit struct {
	ID    string
	Score float64
}

type docEntry struct {
	id      string
	text    string
	terms   []string
	termSet map[string]int // term frequency within this doc
}

// snapshot is the immutable, queryable state swapped in on each Build/Refresh.
type snapshot struct {
	docs        []docEntry
	avgDocLen   float64
	docFreq     map[string]int // number of docs containing each term
	totalDocs   int
}

// Index is a thread-safe BM25 index. Zero value is usable and empty.
type Index struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes concurrent Build/Refresh calls
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	idx.current.Store(&snapshot{docFreq: map[string]int{}})
	return idx
}

// Build replaces the index contents wholesale from the given (id, text)
// pairs. Safe to call concurrently with Search; readers see either the old
// or new snapshot, never a partial one.
func (idx *Index) Build(docs map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := &snapshot{
		docs:    make([]docEntry, 0, len(docs)),
		docFreq: make(map[string]int),
	}
	var totalLen int
	for id, text := range docs {
		terms := Tokenize(text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		snap.docs = append(snap.docs, docEntry{id: id, text: text, terms: terms, termSet: tf})
		for t := range tf {
			snap.docFreq[t]++
		}
		totalLen += len(terms)
	}
	snap.totalDocs = len(snap.docs)
	if snap.totalDocs > 0 {
		snap.avgDocLen = float64(totalLen) / float64(snap.totalDocs)
	}
	idx.current.Store(snap)
}

// Upsert adds or replaces a single document, rebuilding the full snapshot.
// Suitable for the ingestion worker's incremental-refresh signal; for bulk
// loads prefer Build.
func (idx *Index) Upsert(id, text string) {
	idx.mu.Lock()
	cur := idx.current.Load()
	docs := make(map[string]string, len(cur.docs)+1)
	for _, d := range cur.docs {
		docs[d.id] = d.text
	}
	idx.mu.Unlock()
	docs[id] = text
	idx.Build(docs)
}

// Text returns the original text a document was indexed with.
func (idx *Index) Text(id string) (string, bool) {
	snap := idx.current.Load()
	for _, d := range snap.docs {
		if d.id == id {
			return d.text, true
		}
	}
	return "", false
}

// Search returns the top-limit documents for query, ranked by BM25 score
// (k1=1.5, b=0.75).
func (idx *Index) Search(query string, limit int) []Hit {
	snap := idx.current.Load()
	if snap.totalDocs == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	qterms := Tokenize(query)
	if len(qterms) == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(snap.docs))
	for _, d := range snap.docs {
		score := bm25Score(qterms, d, snap)
		if score > 0 {
			hits = append(hits, Hit{ID: d.id, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func bm25Score(qterms []string, d docEntry, snap *snapshot) float64 {
	docLen := float64(len(d.terms))
	var score float64
	seen := make(map[string]bool, len(qterms))
	for _, term := range qterms {
		if seen[term] {
			continue
		}
		seen[term] = true
		tf := d.termSet[term]
		if tf == 0 {
			continue
		}
		df := snap.docFreq[term]
		idf := idf(snap.totalDocs, df)
		numerator := float64(tf) * (k1 + 1)
		denominator := float64(tf) + k1*(1-b+b*docLen/snap.avgDocLen)
		score += idf * (numerator / denominator)
	}
	return score
}

func idf(totalDocs, docFreq int) float64 {
	// standard BM25 idf with +1 smoothing to keep it non-negative.
	n := float64(totalDocs)
	df := float64(docFreq)
	x := (n-df+0.5)/(df+0.5) + 1
	if x <= 0 {
		return 0
	}
	return math.Log(x)
}

// Tokenize lowercases, splits on Unicode letter/digit runs, and drops a
// small fixed stop-word list.
func Tokenize(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		t := cur.String()
		cur.Reset()
		if !stopWords[t] {
			out = append(out, t)
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return out
}
