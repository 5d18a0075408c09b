// Package index answers "find spans relevant to this query" over the
// current chunk corpus. It keeps an inverted term index with per-file
// postings so a single file can be re-indexed without touching the rest of
// the corpus, and combines a term-frequency lexical score with an
// approximate string-similarity score under fixed configured weights.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/agext/levenshtein"
	"github.com/sahilm/fuzzy"

	"codeward/internal/chunk"
	"codeward/internal/config"
	"codeward/internal/logging"
)

// SearchResult is one ranked span.
type SearchResult struct {
	ChunkID         string
	Path            string
	StartLine       int
	EndLine         int
	Score           float64
	LexicalScore    float64
	SimilarityScore float64
	Snippet         string
}

// BM25-style saturation constants for the lexical score.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// similarityLineCap bounds how many lines per chunk the similarity pass
// inspects; levenshtein is quadratic per comparison.
const similarityLineCap = 200

// similarityFloor is the minimum best-line similarity a chunk without any
// lexical hit needs to stay in the result set. Keeps fuzzy-only queries
// from dredging up unrelated spans.
const similarityFloor = 0.5

// Index is the in-memory retrieval structure. All public methods are safe
// for concurrent use; IndexFile and Remove replace a file's postings
// atomically with respect to Search.
type Index struct {
	mu sync.RWMutex

	lexWeight float64
	simWeight float64
	pathBonus float64

	chunks       map[string]chunk.Chunk // chunk ID -> chunk
	byPath       map[string][]string    // path -> chunk IDs
	postings     map[string]map[string]int
	termsByChunk map[string][]string
	chunkTokens  map[string]int // token count per chunk
	totalTokens  int

	levParams *levenshtein.Params
}

// New builds an empty index with the configured score weights.
func New(cfg *config.Config) *Index {
	return &Index{
		lexWeight:    cfg.Index.LexicalWeight,
		simWeight:    cfg.Index.SimilarityWeight,
		pathBonus:    cfg.Index.PathBonus,
		chunks:       make(map[string]chunk.Chunk),
		byPath:       make(map[string][]string),
		postings:     make(map[string]map[string]int),
		termsByChunk: make(map[string][]string),
		chunkTokens:  make(map[string]int),
		levParams:    levenshtein.NewParams(),
	}
}

// IndexFile replaces all chunks previously indexed for path with the given
// set. Passing an empty set is equivalent to Remove.
func (ix *Index) IndexFile(path string, chunks []chunk.Chunk) {
	timer := logging.StartTimer(logging.CategoryIndex, "index "+path)
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(path)

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		terms := tokenize(c.Text)
		if len(terms) == 0 {
			continue
		}

		ix.chunks[c.ID] = c
		ids = append(ids, c.ID)
		ix.chunkTokens[c.ID] = len(terms)
		ix.totalTokens += len(terms)

		seen := make(map[string]bool, len(terms))
		for _, term := range terms {
			posting, ok := ix.postings[term]
			if !ok {
				posting = make(map[string]int)
				ix.postings[term] = posting
			}
			posting[c.ID]++
			if !seen[term] {
				seen[term] = true
				ix.termsByChunk[c.ID] = append(ix.termsByChunk[c.ID], term)
			}
		}
	}
	if len(ids) > 0 {
		ix.byPath[path] = ids
	}

	logging.IndexDebug("indexed %s: %d chunks, corpus now %d chunks", path, len(ids), len(ix.chunks))
}

// Remove drops every chunk indexed for path.
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(path)
}

func (ix *Index) removeLocked(path string) {
	ids, ok := ix.byPath[path]
	if !ok {
		return
	}
	for _, id := range ids {
		for _, term := range ix.termsByChunk[id] {
			if posting, ok := ix.postings[term]; ok {
				delete(posting, id)
				if len(posting) == 0 {
					delete(ix.postings, term)
				}
			}
		}
		ix.totalTokens -= ix.chunkTokens[id]
		delete(ix.termsByChunk, id)
		delete(ix.chunkTokens, id)
		delete(ix.chunks, id)
	}
	delete(ix.byPath, path)
}

// Size returns the number of indexed chunks.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

// HasPath reports whether any chunks are indexed for path.
func (ix *Index) HasPath(path string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byPath[path]
	return ok
}

// Search returns at most k spans ranked by the combined score. An empty or
// not-yet-built index yields empty results, never an error.
func (ix *Index) Search(query string, k int) []SearchResult {
	timer := logging.StartTimer(logging.CategoryIndex, "search")
	defer timer.Stop()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if k <= 0 || len(ix.chunks) == 0 {
		return nil
	}

	queryTerms := tokenize(query)

	// Candidate set: every chunk with at least one term hit. A query with
	// no lexical hits (typos, fuzzy-only queries) falls back to a full
	// similarity scan so approximate matches still surface.
	lexical := ix.lexicalScores(queryTerms)
	candidates := lexical
	fallback := len(candidates) == 0
	if fallback {
		candidates = make(map[string]float64, len(ix.chunks))
		for id := range ix.chunks {
			candidates[id] = 0
		}
	}

	pathAffinity := ix.pathAffinity(query)

	maxLex := 0.0
	for _, s := range lexical {
		if s > maxLex {
			maxLex = s
		}
	}

	results := make([]SearchResult, 0, len(candidates))
	queryLower := strings.ToLower(strings.TrimSpace(query))
	for id := range candidates {
		c := ix.chunks[id]

		lex := 0.0
		if maxLex > 0 {
			lex = lexical[id] / maxLex
		}
		sim := ix.similarity(queryLower, c.Text)
		if fallback && sim < similarityFloor {
			continue
		}

		score := ix.lexWeight*lex + ix.simWeight*sim + ix.pathBonus*pathAffinity[c.Path]
		if score <= 0 {
			continue
		}

		results = append(results, SearchResult{
			ChunkID:         id,
			Path:            c.Path,
			StartLine:       c.StartLine,
			EndLine:         c.EndLine,
			Score:           score,
			LexicalScore:    lex,
			SimilarityScore: sim,
			Snippet:         c.Text,
		})
	}

	// Descending score; ties broken by shorter span, then path order, then
	// start line, so identical corpora always rank identically.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		si := results[i].EndLine - results[i].StartLine
		sj := results[j].EndLine - results[j].StartLine
		if si != sj {
			return si < sj
		}
		if results[i].Path != results[j].Path {
			return results[i].Path < results[j].Path
		}
		return results[i].StartLine < results[j].StartLine
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// lexicalScores computes a BM25-style score per chunk for the query terms.
func (ix *Index) lexicalScores(queryTerms []string) map[string]float64 {
	if len(queryTerms) == 0 {
		return nil
	}

	n := float64(len(ix.chunks))
	avgLen := 1.0
	if len(ix.chunks) > 0 {
		avgLen = float64(ix.totalTokens) / float64(len(ix.chunks))
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		posting, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id, tf := range posting {
			docLen := float64(ix.chunkTokens[id])
			tfN := float64(tf) * (bm25K1 + 1) /
				(float64(tf) + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
			scores[id] += idf * tfN
		}
	}
	return scores
}

// similarity returns the best approximate-match score between the query and
// any single line of the chunk.
func (ix *Index) similarity(queryLower, text string) float64 {
	if queryLower == "" {
		return 0
	}
	best := 0.0
	lines := strings.Split(text, "\n")
	if len(lines) > similarityLineCap {
		lines = lines[:similarityLineCap]
	}
	for _, line := range lines {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if s := levenshtein.Similarity(queryLower, line, ix.levParams); s > best {
			best = s
		}
	}
	return best
}

// pathAffinity scores indexed paths against the query with fuzzy matching,
// normalized to [0,1]. Queries that name a file pull its chunks up.
func (ix *Index) pathAffinity(query string) map[string]float64 {
	if ix.pathBonus == 0 || len(ix.byPath) == 0 {
		return nil
	}

	paths := make([]string, 0, len(ix.byPath))
	for p := range ix.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	matches := fuzzy.Find(query, paths)
	if len(matches) == 0 {
		return nil
	}

	maxScore := matches[0].Score
	for _, m := range matches {
		if m.Score > maxScore {
			maxScore = m.Score
		}
	}
	if maxScore <= 0 {
		return nil
	}

	affinity := make(map[string]float64, len(matches))
	for _, m := range matches {
		if m.Score > 0 {
			affinity[paths[m.Index]] = float64(m.Score) / float64(maxScore)
		}
	}
	return affinity
}

// tokenize lowercases and splits on non-identifier runes, dropping
// single-character tokens.
func tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 1 {
			tokens = append(tokens, strings.ToLower(sb.String()))
		}
		sb.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
