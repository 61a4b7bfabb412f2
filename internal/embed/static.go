package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// StaticModelName is recorded in snapshots built with the static embedder.
const StaticModelName = "static-hash-v1"

// StaticEmbedder generates embeddings by feature hashing. It works offline,
// is deterministic, and trades semantic quality for zero setup.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// stopWords are dropped from word features.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "were": true, "with": true,
}

const (
	wordWeight   = 0.7
	ngramWeight  = 0.3
	ngramSize    = 3
	cjkBigramWt  = 0.7
	cjkUnigramWt = 0.3
)

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates the embedding for a single text. Blank text yields a zero
// vector.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}
	return normalizeVector(generateVector(trimmed)), nil
}

// generateVector hashes word, character n-gram and CJK bigram features into
// a fixed-size vector.
func generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)
	add := func(feature string, w float32) {
		vector[hashToIndex(feature, StaticDimensions)] += w
	}

	for _, run := range splitRuns(norm.NFKC.String(text)) {
		if run.cjk {
			for i, r := range run.runes {
				add("u:"+string(r), cjkUnigramWt)
				if i+1 < len(run.runes) {
					add("b:"+string(run.runes[i:i+2]), cjkBigramWt)
				}
			}
			continue
		}

		word := strings.ToLower(string(run.runes))
		if !stopWords[word] {
			add("w:"+word, wordWeight)
		}
		for _, g := range extractNgrams([]rune(word), ngramSize) {
			add("g:"+g, ngramWeight)
		}
	}

	return vector
}

type textRun struct {
	runes []rune
	cjk   bool
}

// splitRuns splits text into maximal runs of letters/digits, separating CJK
// scripts from everything else. Punctuation and spaces end a run.
func splitRuns(text string) []textRun {
	var runs []textRun
	var cur []rune
	curCJK := false

	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, textRun{runes: cur, cjk: curCJK})
			cur = nil
		}
	}

	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		c := isCJK(r)
		if len(cur) > 0 && c != curCJK {
			flush()
		}
		curCJK = c
		cur = append(cur, r)
	}
	flush()
	return runs
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// extractNgrams extracts n-rune sliding windows.
func extractNgrams(word []rune, n int) []string {
	if len(word) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(word)-n+1)
	for i := 0; i <= len(word)-n; i++ {
		ngrams = append(ngrams, string(word[i:i+n]))
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to an index.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return StaticModelName
}

// Available reports whether the embedder is open.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
