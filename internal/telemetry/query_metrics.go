// Package telemetry records local query statistics for a bank: script mix,
// frequent terms, zero-result queries and latency. Nothing leaves the machine.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"
)

// QueryType classifies a query by the scripts it contains.
type QueryType string

const (
	QueryTypeLatin QueryType = "latin"
	QueryTypeCJK   QueryType = "cjk"
	QueryTypeMixed QueryType = "mixed"
)

// ClassifyQuery reports whether text is Latin-only, CJK-only or mixed.
// Digits and punctuation do not count towards either side.
func ClassifyQuery(text string) QueryType {
	var cjk, other bool
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk = true
		case unicode.IsLetter(r):
			other = true
		}
	}
	switch {
	case cjk && other:
		return QueryTypeMixed
	case cjk:
		return QueryTypeCJK
	default:
		return QueryTypeLatin
	}
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// Buckets lists the histogram buckets in ascending order.
var Buckets = []LatencyBucket{BucketP10, BucketP50, BucketP100, BucketP500, BucketP1000}

// Label is the human-readable range of the bucket.
func (b LatencyBucket) Label() string {
	switch b {
	case BucketP10:
		return "<10ms"
	case BucketP50:
		return "10-50ms"
	case BucketP100:
		return "50-100ms"
	case BucketP500:
		return "100-500ms"
	default:
		return ">500ms"
	}
}

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one answered query.
type QueryEvent struct {
	Query       string
	QueryType   QueryType // derived from Query when empty
	ResultCount int
	Latency     time.Duration
	Timestamp   time.Time
}

// IsZeroResult returns true if this query returned no results.
func (e QueryEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear removes all items from the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// ExtractTerms splits a query into countable terms. Text is NFKC-folded and
// lowercased. Latin words shorter than three letters are dropped; a run of
// CJK characters counts as one term when it has at least two of them, since
// those scripts do not separate words with spaces.
func ExtractTerms(query string) []string {
	query = strings.ToLower(norm.NFKC.String(strings.TrimSpace(query)))
	if query == "" {
		return nil
	}

	var terms []string
	var word, run []rune
	flush := func() {
		if len(word) >= 3 {
			terms = append(terms, string(word))
		}
		if len(run) >= 2 {
			terms = append(terms, string(run))
		}
		word, run = word[:0], run[:0]
	}
	for _, r := range query {
		switch {
		case isCJK(r):
			if len(word) > 0 {
				flush()
			}
			run = append(run, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if len(run) > 0 {
				flush()
			}
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return terms
}

// TermCount is a term and how often it was queried.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryMetricsSnapshot is an immutable view of collected metrics.
type QueryMetricsSnapshot struct {
	QueryTypeCounts     map[QueryType]int64     `json:"query_type_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the percentage of zero-result queries.
func (s *QueryMetricsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// QueryMetricsStore persists aggregated metrics.
type QueryMetricsStore interface {
	// SaveQueryTypeCounts adds daily query type counts.
	SaveQueryTypeCounts(date string, counts map[QueryType]int64) error
	// GetQueryTypeCounts sums counts over an inclusive date range.
	GetQueryTypeCounts(from, to string) (map[QueryType]int64, error)
	// UpsertTermCounts adds to term frequency counts.
	UpsertTermCounts(terms map[string]int64) error
	// GetTopTerms retrieves the top N terms by frequency.
	GetTopTerms(limit int) ([]TermCount, error)
	// AddZeroResultQuery appends to the bounded zero-result log.
	AddZeroResultQuery(query string, timestamp time.Time) error
	// GetZeroResultQueries retrieves recent zero-result queries, newest first.
	GetZeroResultQueries(limit int) ([]string, error)
	// SaveZeroResultCount adds to the daily zero-result counter.
	SaveZeroResultCount(date string, count int64) error
	// GetZeroResultCount sums zero-result queries over an inclusive date range.
	GetZeroResultCount(from, to string) (int64, error)
	// SaveLatencyCounts adds daily latency histogram counts.
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	// GetLatencyCounts sums the histogram over an inclusive date range.
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	Close() error
}

// QueryMetricsConfig configures the collector.
type QueryMetricsConfig struct {
	TopTermsCapacity      int // distinct terms tracked in memory (default: 100)
	ZeroResultsCapacity   int // zero-result queries kept (default: 100)
	RecentQueriesCapacity int // queries remembered for repeat detection (default: 500)
}

// DefaultQueryMetricsConfig returns the default capacities.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
	}
}

type zeroResult struct {
	query string
	at    time.Time
}

// QueryMetrics aggregates query events in memory and flushes the increments
// since the previous flush to a store. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	queryTypes      map[QueryType]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	totalQueries    int64
	zeroResultCount int64
	startTime       time.Time

	recentQueries    *lru.Cache[string, struct{}]
	exactRepeatCount int64

	// Increments not yet written to the store.
	pendingTypes     map[QueryType]int64
	pendingTerms     map[string]int64
	pendingLatencies map[LatencyBucket]int64
	pendingZero      []zeroResult

	store  QueryMetricsStore
	closed bool
	now    func() time.Time
}

// NewQueryMetrics creates a collector with default capacities.
// A nil store keeps metrics in memory only.
func NewQueryMetrics(store QueryMetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom capacities.
func NewQueryMetricsWithConfig(store QueryMetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	def := DefaultQueryMetricsConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = def.TopTermsCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = def.ZeroResultsCapacity
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = def.RecentQueriesCapacity
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	return &QueryMetrics{
		queryTypes:       make(map[QueryType]int64),
		topTerms:         topTerms,
		zeroResults:      NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:        make(map[LatencyBucket]int64),
		startTime:        time.Now(),
		recentQueries:    recent,
		pendingTypes:     make(map[QueryType]int64),
		pendingTerms:     make(map[string]int64),
		pendingLatencies: make(map[LatencyBucket]int64),
		store:            store,
		now:              time.Now,
	}
}

// Record captures one query. Blank queries are ignored.
func (m *QueryMetrics) Record(event QueryEvent) {
	if strings.TrimSpace(event.Query) == "" {
		return
	}
	if event.QueryType == "" {
		event.QueryType = ClassifyQuery(event.Query)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.totalQueries++
	m.queryTypes[event.QueryType]++
	m.pendingTypes[event.QueryType]++

	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
		m.pendingTerms[term]++
	}

	if event.IsZeroResult() {
		m.zeroResultCount++
		m.zeroResults.Add(event.Query)
		m.pendingZero = append(m.pendingZero, zeroResult{query: event.Query, at: event.Timestamp})
	}

	bucket := LatencyToBucket(event.Latency)
	m.latencies[bucket]++
	m.pendingLatencies[bucket]++

	key := hashQuery(event.Query)
	if _, seen := m.recentQueries.Get(key); seen {
		m.exactRepeatCount++
	}
	m.recentQueries.Add(key, struct{}{})
}

// hashQuery is the repeat-detection key of a normalized query.
func hashQuery(query string) string {
	normalized := strings.ToLower(norm.NFKC.String(strings.TrimSpace(query)))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Snapshot returns the metrics collected since the collector was created.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make(map[QueryType]int64, len(m.queryTypes))
	for k, v := range m.queryTypes {
		types[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	terms := make([]TermCount, 0, m.topTerms.Len())
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			terms = append(terms, TermCount{Term: key, Count: count})
		}
	}
	sortTerms(terms)

	return &QueryMetricsSnapshot{
		QueryTypeCounts:     types,
		TopTerms:            terms,
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        m.totalQueries,
		ZeroResultCount:     m.zeroResultCount,
		ExactRepeatCount:    m.exactRepeatCount,
		Since:               m.startTime,
	}
}

// sortTerms orders by count descending, then term.
func sortTerms(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}

// Flush writes the increments recorded since the last flush. Flushing twice
// never double counts. Safe to call without a store.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	types, terms, latencies, zero := m.pendingTypes, m.pendingTerms, m.pendingLatencies, m.pendingZero
	m.pendingTypes = make(map[QueryType]int64)
	m.pendingTerms = make(map[string]int64)
	m.pendingLatencies = make(map[LatencyBucket]int64)
	m.pendingZero = nil
	today := m.now().Format("2006-01-02")
	m.mu.Unlock()

	if len(types) > 0 {
		if err := m.store.SaveQueryTypeCounts(today, types); err != nil {
			return err
		}
	}
	if err := m.store.UpsertTermCounts(terms); err != nil {
		return err
	}
	if len(latencies) > 0 {
		if err := m.store.SaveLatencyCounts(today, latencies); err != nil {
			return err
		}
	}
	if len(zero) > 0 {
		if err := m.store.SaveZeroResultCount(today, int64(len(zero))); err != nil {
			return err
		}
	}
	for _, z := range zero {
		if err := m.store.AddZeroResultQuery(z.query, z.at); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending increments and stops recording. The store is owned
// by the caller.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Flush()
}
