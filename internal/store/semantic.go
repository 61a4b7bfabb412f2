package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// SemanticConfig configures graph construction.
type SemanticConfig struct {
	Model      string
	Dimensions int
	M          int
	EfSearch   int
	Seed       int64
}

// DefaultSemanticConfig returns graph parameters suited to a few hundred
// thousand chunks.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		M:        16,
		EfSearch: 64,
		Seed:     1,
	}
}

// SemanticIndex is an immutable cosine-similarity index over chunk vectors.
type SemanticIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config SemanticConfig
	keys   []string // key -> chunk id
	path   string
	closed bool
}

// semanticMeta is stored next to the exported graph.
type semanticMeta struct {
	IDs    []string
	Config SemanticConfig
}

func newGraph(cfg SemanticConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	g.Rng = rand.New(rand.NewSource(cfg.Seed))
	return g
}

// BuildSemantic builds a graph for ids/vectors and persists it at path
// (plus path+".meta"). Keys are assigned in sorted id order and the level
// generator is seeded, so the same input yields the same graph.
func BuildSemantic(ctx context.Context, path string, ids []string, vectors [][]float32, cfg SemanticConfig) (*SemanticIndex, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	def := DefaultSemanticConfig()
	if cfg.M == 0 {
		cfg.M = def.M
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.Dimensions == 0 && len(vectors) > 0 {
		cfg.Dimensions = len(vectors[0])
	}

	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	s := &SemanticIndex{
		graph:  newGraph(cfg),
		config: cfg,
		keys:   make([]string, 0, len(ids)),
		path:   path,
	}

	for n, i := range order {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v := vectors[i]
		if len(v) != cfg.Dimensions {
			return nil, ErrDimensionMismatch{Expected: cfg.Dimensions, Got: len(v)}
		}
		vec := make([]float32, len(v))
		copy(vec, v)
		normalizeVectorInPlace(vec)

		key := uint64(len(s.keys))
		s.keys = append(s.keys, ids[i])
		s.graph.Add(hnsw.MakeNode(key, vec))
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SemanticIndex) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	w := bufio.NewWriter(file)
	if s.graph.Len() > 0 {
		if err := s.graph.Export(w); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to export graph: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}

	return writeSemanticMeta(s.path+".meta", semanticMeta{IDs: s.keys, Config: s.config})
}

func writeSemanticMeta(path string, meta semanticMeta) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	return file.Close()
}

func readSemanticMeta(path string) (semanticMeta, error) {
	var meta semanticMeta

	file, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode semantic metadata: %w", err)
	}
	return meta, nil
}

// OpenSemantic loads an index written by BuildSemantic.
func OpenSemantic(path string) (*SemanticIndex, error) {
	meta, err := readSemanticMeta(path + ".meta")
	if err != nil {
		return nil, err
	}

	s := &SemanticIndex{
		graph:  newGraph(meta.Config),
		config: meta.Config,
		keys:   meta.IDs,
		path:   path,
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	if len(meta.IDs) > 0 {
		// coder/hnsw Import needs an io.ByteReader.
		if err := s.graph.Import(bufio.NewReader(file)); err != nil {
			return nil, fmt.Errorf("failed to import graph: %w", err)
		}
	}

	if s.graph.Len() != len(s.keys) {
		return nil, fmt.Errorf("semantic index holds %d nodes, metadata lists %d ids", s.graph.Len(), len(s.keys))
	}
	return s, nil
}

// Query returns up to limit nearest chunks to vector by cosine similarity,
// ordered by score descending and id ascending.
func (s *SemanticIndex) Query(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("semantic index is closed")
	}
	if len(vector) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vector)}
	}
	if s.graph.Len() == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := make([]float32, len(vector))
	copy(q, vector)
	normalizeVectorInPlace(q)

	nodes := s.graph.Search(q, limit)
	hits := make([]Hit, 0, len(nodes))
	for _, node := range nodes {
		if node.Key >= uint64(len(s.keys)) {
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		hits = append(hits, Hit{ID: s.keys[node.Key], Score: float64(1 - distance)})
	}
	sortHits(hits)
	return hits, nil
}

// IDs returns every indexed chunk id, sorted.
func (s *SemanticIndex) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.keys))
	copy(ids, s.keys)
	sort.Strings(ids)
	return ids
}

// Count returns the number of vectors.
func (s *SemanticIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Model returns the embedding model the vectors came from.
func (s *SemanticIndex) Model() string {
	return s.config.Model
}

// Dimensions returns the vector dimensionality.
func (s *SemanticIndex) Dimensions() int {
	return s.config.Dimensions
}

// Close releases the graph. Safe to call more than once.
func (s *SemanticIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.graph = nil
	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
