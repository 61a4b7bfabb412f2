package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// FileName is the telemetry database inside the data directory. It lives
// outside snapshot generations so statistics survive rebuilds.
const FileName = "telemetry.db"

// zeroResultLimit bounds the zero-result query log.
const zeroResultLimit = 100

const schema = `
-- Query type frequency (aggregated daily)
CREATE TABLE IF NOT EXISTS query_type_stats (
	date TEXT NOT NULL,
	query_type TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, query_type)
);

CREATE TABLE IF NOT EXISTS query_terms (
	term TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 1,
	last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

CREATE TABLE IF NOT EXISTS zero_result_queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS zero_result_stats (
	date TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0
);

-- Latency histogram (buckets: <10ms, 10-50ms, 50-100ms, 100-500ms, >500ms)
CREATE TABLE IF NOT EXISTS query_latency_stats (
	date TEXT NOT NULL,
	bucket TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, bucket)
);
`

// SQLiteMetricsStore implements QueryMetricsStore on its own SQLite file.
type SQLiteMetricsStore struct {
	db *sql.DB
}

// OpenSQLiteMetricsStore opens (creating if needed) the store at path.
func OpenSQLiteMetricsStore(path string) (*SQLiteMetricsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(path))
	db, err := sql.Open("sqlite", "file:"+escaped+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &SQLiteMetricsStore{db: db}, nil
}

// addDaily upserts date-keyed counters into table, keyed by column.
func (s *SQLiteMetricsStore) addDaily(table, column, date string, counts map[string]int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// table and column are package constants, never user input.
	stmt, err := tx.Prepare(`
		INSERT INTO ` + table + ` (date, ` + column + `, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, ` + column + `) DO UPDATE SET count = count + excluded.count
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, count := range counts {
		if _, err := stmt.Exec(date, key, count); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// sumDaily sums table counters per key over an inclusive date range.
func (s *SQLiteMetricsStore) sumDaily(table, column, from, to string) (map[string]int64, error) {
	rows, err := s.db.Query(`
		SELECT `+column+`, SUM(count)
		FROM `+table+`
		WHERE date >= ? AND date <= ?
		GROUP BY `+column, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// SaveQueryTypeCounts adds daily query type counts.
func (s *SQLiteMetricsStore) SaveQueryTypeCounts(date string, counts map[QueryType]int64) error {
	keyed := make(map[string]int64, len(counts))
	for qt, n := range counts {
		keyed[string(qt)] = n
	}
	return s.addDaily("query_type_stats", "query_type", date, keyed)
}

// GetQueryTypeCounts sums query type counts over an inclusive date range.
func (s *SQLiteMetricsStore) GetQueryTypeCounts(from, to string) (map[QueryType]int64, error) {
	raw, err := s.sumDaily("query_type_stats", "query_type", from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[QueryType]int64, len(raw))
	for k, n := range raw {
		counts[QueryType(k)] = n
	}
	return counts, nil
}

// SaveLatencyCounts adds daily latency histogram counts.
func (s *SQLiteMetricsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	keyed := make(map[string]int64, len(counts))
	for b, n := range counts {
		keyed[string(b)] = n
	}
	return s.addDaily("query_latency_stats", "bucket", date, keyed)
}

// GetLatencyCounts sums the latency histogram over an inclusive date range.
func (s *SQLiteMetricsStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	raw, err := s.sumDaily("query_latency_stats", "bucket", from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[LatencyBucket]int64, len(raw))
	for k, n := range raw {
		counts[LatencyBucket(k)] = n
	}
	return counts, nil
}

// UpsertTermCounts adds to term frequency counts.
func (s *SQLiteMetricsStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, count := range terms {
		if _, err := stmt.Exec(term, count); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	return tx.Commit()
}

// GetTopTerms retrieves the top N terms by frequency.
func (s *SQLiteMetricsStore) GetTopTerms(limit int) ([]TermCount, error) {
	rows, err := s.db.Query(`
		SELECT term, count
		FROM query_terms
		ORDER BY count DESC, term ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// AddZeroResultQuery appends to the zero-result log, keeping the newest
// zeroResultLimit entries.
func (s *SQLiteMetricsStore) AddZeroResultQuery(query string, timestamp time.Time) error {
	if _, err := s.db.Exec(`INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`, query, timestamp.UTC()); err != nil {
		return fmt.Errorf("insert zero-result query: %w", err)
	}
	_, err := s.db.Exec(`
		DELETE FROM zero_result_queries
		WHERE id NOT IN (
			SELECT id FROM zero_result_queries
			ORDER BY id DESC
			LIMIT ?
		)
	`, zeroResultLimit)
	if err != nil {
		return fmt.Errorf("trim zero-result queries: %w", err)
	}
	return nil
}

// GetZeroResultQueries retrieves recent zero-result queries, newest first.
func (s *SQLiteMetricsStore) GetZeroResultQueries(limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT query
		FROM zero_result_queries
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// SaveZeroResultCount adds to the daily zero-result counter.
func (s *SQLiteMetricsStore) SaveZeroResultCount(date string, count int64) error {
	_, err := s.db.Exec(`
		INSERT INTO zero_result_stats (date, count)
		VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET count = count + excluded.count
	`, date, count)
	if err != nil {
		return fmt.Errorf("save zero-result count: %w", err)
	}
	return nil
}

// GetZeroResultCount sums zero-result queries over an inclusive date range.
func (s *SQLiteMetricsStore) GetZeroResultCount(from, to string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(count), 0)
		FROM zero_result_stats
		WHERE date >= ? AND date <= ?
	`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query zero-result count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteMetricsStore) Close() error {
	return s.db.Close()
}

// Report aggregates the last days of persisted metrics ending at now.
// The repeat count is not persisted and stays zero.
func Report(store QueryMetricsStore, days int, now time.Time, limit int) (*QueryMetricsSnapshot, error) {
	if days <= 0 {
		days = 1
	}
	since := now.AddDate(0, 0, -(days - 1))
	from, to := since.Format("2006-01-02"), now.Format("2006-01-02")

	types, err := store.GetQueryTypeCounts(from, to)
	if err != nil {
		return nil, err
	}
	latencies, err := store.GetLatencyCounts(from, to)
	if err != nil {
		return nil, err
	}
	zeroCount, err := store.GetZeroResultCount(from, to)
	if err != nil {
		return nil, err
	}
	terms, err := store.GetTopTerms(limit)
	if err != nil {
		return nil, err
	}
	zero, err := store.GetZeroResultQueries(limit)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range types {
		total += n
	}
	if terms == nil {
		terms = []TermCount{}
	}
	if zero == nil {
		zero = []string{}
	}
	return &QueryMetricsSnapshot{
		QueryTypeCounts:     types,
		TopTerms:            terms,
		ZeroResultQueries:   zero,
		LatencyDistribution: latencies,
		TotalQueries:        total,
		ZeroResultCount:     zeroCount,
		Since:               time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, now.Location()),
	}, nil
}
