package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// lexicalBatchSize bounds the documents per bleve batch; ctx is checked
// between batches.
const lexicalBatchSize = 500

// LexicalIndex is a read-only BM25 index over chunk text.
type LexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

type lexicalDoc struct {
	Text string `json:"text"`
}

// BuildLexical writes a fresh index for docs into dir and reopens it
// read-only. The result depends only on the document set.
func BuildLexical(ctx context.Context, dir string, docs []Document) (*LexicalIndex, error) {
	im, err := newIndexMapping()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dir), err)
	}

	idx, err := bleve.New(dir, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create lexical index: %w", err)
	}

	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for start := 0; start < len(sorted); start += lexicalBatchSize {
		if err := ctx.Err(); err != nil {
			_ = idx.Close()
			return nil, err
		}
		end := min(start+lexicalBatchSize, len(sorted))

		batch := idx.NewBatch()
		for _, doc := range sorted[start:end] {
			if err := batch.Index(doc.ID, lexicalDoc{Text: doc.Content}); err != nil {
				_ = idx.Close()
				return nil, fmt.Errorf("failed to index document %s: %w", doc.ID, err)
			}
		}
		if err := idx.Batch(batch); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("failed to execute batch: %w", err)
		}
	}

	if err := idx.Close(); err != nil {
		return nil, fmt.Errorf("failed to close lexical index: %w", err)
	}

	return OpenLexical(dir)
}

// OpenLexical opens an existing index read-only after checking its metadata.
func OpenLexical(dir string) (*LexicalIndex, error) {
	if err := validateIndexMeta(dir); err != nil {
		return nil, err
	}

	idx, err := bleve.OpenUsing(dir, map[string]interface{}{"read_only": true})
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical index %s: %w", dir, err)
	}

	return &LexicalIndex{index: idx, path: dir}, nil
}

// validateIndexMeta checks that index_meta.json exists and parses. A build
// interrupted before bleve wrote its metadata fails here instead of deep
// inside the segment loader.
func validateIndexMeta(dir string) error {
	metaPath := filepath.Join(dir, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("lexical index metadata unreadable: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("lexical index metadata is empty: %s", metaPath)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("lexical index metadata is corrupt: %w", err)
	}
	return nil
}

// Query returns up to limit documents matching any of terms, ranked by BM25
// descending with ties broken by id ascending. Terms must already be analyzed
// (see Tokenize).
func (l *LexicalIndex) Query(ctx context.Context, terms []string, limit int) ([]Hit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if len(terms) == 0 || limit <= 0 {
		return []Hit{}, nil
	}

	clauses := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		if strings.TrimSpace(term) == "" {
			continue
		}
		tq := bleve.NewTermQuery(term)
		tq.SetField(textField)
		clauses = append(clauses, tq)
	}
	if len(clauses) == 0 {
		return []Hit{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(clauses...), limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	sortHits(hits)
	return hits, nil
}

// DocCount returns the number of indexed documents.
func (l *LexicalIndex) DocCount() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}
	return l.index.DocCount()
}

// IDs returns every document id, sorted. Used by the snapshot integrity check.
func (l *LexicalIndex) IDs(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}

	count, err := l.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if count == 0 {
		return []string{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = []string{}
	req.SortBy([]string{"_id"})

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, h := range result.Hits {
		ids[i] = h.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// Path returns the index directory.
func (l *LexicalIndex) Path() string {
	return l.path
}

// Close releases the index. Safe to call more than once.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.index.Close()
}
