package manifest

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/evidx/internal/chunk"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/extract"
	"github.com/Aman-CERP/evidx/internal/manifest/migrations"
)

// FileName is the manifest database name inside a snapshot generation.
const FileName = "manifest.db"

// idBatch bounds the number of bound parameters per IN query.
const idBatch = 500

// Store is the manifest, chunk log, embedding table and hash registry of one
// snapshot generation.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (creating if needed) a writable store and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	// Single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// OpenReadOnly opens an existing store for serving queries.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("manifest not found: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &Store{db: db, path: path, readOnly: true}, nil
}

func dsn(path, mode string) string {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(path))
	return "file:" + escaped + "?mode=" + mode +
		"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs all pending NNN_*.up.sql migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

// ==================== Entries ====================

const entryColumns = `path, content_hash, kind, format, size, modified_at, title, abstract,
	page_count, chunk_count, duplicate_of, indexed_at`

// Upsert inserts or updates e. A canonical entry claims its content hash in the
// hash registry; a duplicate releases any claim and loses its chunks.
func (s *Store) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := *e
	if stored.IsDuplicate() {
		stored.ChunkCount = 0
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", stored.Path); err != nil {
			return nil, fmt.Errorf("clearing duplicate chunks: %w", err)
		}
	}
	if err := upsertEntryTx(ctx, tx, &stored); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &stored, nil
}

func upsertEntryTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.Path == "" || e.ContentHash == "" {
		return fmt.Errorf("entry requires path and content hash")
	}
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now().UTC()
	}

	if !e.IsDuplicate() {
		var holder string
		err := tx.QueryRowContext(ctx, "SELECT path FROM hash_registry WHERE content_hash = ?", e.ContentHash).Scan(&holder)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading hash registry: %w", err)
		}
		if holder != "" && holder != e.Path {
			return fmt.Errorf("content hash %s already registered to %s", e.ContentHash[:12], holder)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			kind = excluded.kind,
			format = excluded.format,
			size = excluded.size,
			modified_at = excluded.modified_at,
			title = excluded.title,
			abstract = excluded.abstract,
			page_count = excluded.page_count,
			chunk_count = excluded.chunk_count,
			duplicate_of = excluded.duplicate_of,
			indexed_at = excluded.indexed_at
	`, e.Path, e.ContentHash, string(e.Kind), e.Format, e.Size, e.ModifiedTime.UnixNano(),
		e.Title, e.Abstract, e.PageCount, e.ChunkCount, e.DuplicateOf, e.IndexedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upserting entry %s: %w", e.Path, err)
	}

	// Drop any stale claim, then re-claim when canonical.
	if _, err := tx.ExecContext(ctx, "DELETE FROM hash_registry WHERE path = ?", e.Path); err != nil {
		return fmt.Errorf("updating hash registry: %w", err)
	}
	if !e.IsDuplicate() {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO hash_registry (content_hash, path) VALUES (?, ?)", e.ContentHash, e.Path); err != nil {
			return fmt.Errorf("updating hash registry: %w", err)
		}
	}
	return nil
}

// Get returns the entry for path or a NotFoundError.
func (s *Store) Get(ctx context.Context, path string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE path = ?", path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, everrors.NotFoundError(path)
	}
	return e, err
}

// FindByHash returns the canonical entry holding hash, or a NotFoundError.
func (s *Store) FindByHash(ctx context.Context, hash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixed("e.", entryColumns)+`
		FROM hash_registry h JOIN entries e ON e.path = h.path
		WHERE h.content_hash = ?`, hash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, everrors.NotFoundError(hash)
	}
	return e, err
}

// Duplicates returns the entries flagged as copies of canonical, by path.
func (s *Store) Duplicates(ctx context.Context, canonical string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE duplicate_of = ? ORDER BY path", canonical)
	if err != nil {
		return nil, fmt.Errorf("querying duplicates: %w", err)
	}
	return collectEntries(rows)
}

// Remove deletes path, its chunks and its hash claim.
func (s *Store) Remove(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", path); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM hash_registry WHERE path = ?", path); err != nil {
		return fmt.Errorf("deleting hash claim: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return everrors.NotFoundError(path)
	}
	return tx.Commit()
}

// List returns entries matching f, ordered by path.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != extract.KindUnknown {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.PathPrefix != "" {
		where = append(where, "path >= ?")
		args = append(args, f.PathPrefix)
		if upper, ok := prefixUpperBound(f.PathPrefix); ok {
			where = append(where, "path < ?")
			args = append(args, upper)
		}
	}
	switch f.Duplicates {
	case DuplicatesExclude:
		where = append(where, "duplicate_of = ''")
	case DuplicatesOnly:
		where = append(where, "duplicate_of != ''")
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return collectEntries(rows)
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix, comparing bytes as SQLite's BINARY collation does.
// ok is false when no such bound exists (prefix is all 0xff bytes).
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// Counts returns the number of entries and chunks.
func (s *Store) Counts(ctx context.Context) (files, chunks int, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM entries), (SELECT COUNT(*) FROM chunks)").Scan(&files, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("counting manifest: %w", err)
	}
	return files, chunks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                   Entry
		kind                string
		modified, indexedAt int64
	)
	if err := row.Scan(&e.Path, &e.ContentHash, &kind, &e.Format, &e.Size, &modified,
		&e.Title, &e.Abstract, &e.PageCount, &e.ChunkCount, &e.DuplicateOf, &indexedAt); err != nil {
		return nil, err
	}
	e.Kind = extract.Kind(kind)
	e.ModifiedTime = time.Unix(0, modified).UTC()
	e.IndexedAt = time.Unix(0, indexedAt).UTC()
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ==================== Chunks ====================

const chunkColumns = `chunk_id, path, seq, text, page, page_end, section, sections, ambiguous,
	char_start, char_end, regions`

// ReplaceChunks writes e and its complete chunk set in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, e *Entry, chunks []*chunk.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := *e
	stored.ChunkCount = len(chunks)
	if err := upsertEntryTx(ctx, tx, &stored); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", e.Path); err != nil {
		return fmt.Errorf("deleting old chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`, text_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.Path != e.Path {
			return fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.Path, e.Path)
		}
		sections, err := json.Marshal(nonNil(c.Sections))
		if err != nil {
			return fmt.Errorf("marshalling sections: %w", err)
		}
		regions, err := json.Marshal(nonNil(c.Regions))
		if err != nil {
			return fmt.Errorf("marshalling regions: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Path, c.Seq, c.Text, c.Page, c.PageEnd, c.Section,
			string(sections), boolToInt(c.Ambiguous), c.CharStart, c.CharEnd, string(regions),
			chunk.TextHash(c.Text)); err != nil {
			return fmt.Errorf("saving chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	*e = stored
	return nil
}

// Chunks returns every chunk ordered by path then sequence.
func (s *Store) Chunks(ctx context.Context) ([]*chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chunkColumns+" FROM chunks ORDER BY path, seq")
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	return collectChunks(rows)
}

// ChunksByPath returns path's chunks in sequence order.
func (s *Store) ChunksByPath(ctx context.Context, path string) ([]*chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE path = ? ORDER BY seq", path)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	return collectChunks(rows)
}

// ChunksByIDs loads the chunks named by ids. Unknown ids are absent from the map.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) (map[string]*chunk.Chunk, error) {
	out := make(map[string]*chunk.Chunk, len(ids))
	for start := 0; start < len(ids); start += idBatch {
		end := min(start+idBatch, len(ids))
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := "SELECT " + chunkColumns + " FROM chunks WHERE chunk_id IN (?" +
			strings.Repeat(", ?", len(batch)-1) + ")"
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying chunks: %w", err)
		}
		chunks, err := collectChunks(rows)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			out[c.ID] = c
		}
	}
	return out, nil
}

func collectChunks(rows *sql.Rows) ([]*chunk.Chunk, error) {
	defer rows.Close()
	var out []*chunk.Chunk
	for rows.Next() {
		var (
			c                 chunk.Chunk
			sections, regions string
			ambiguous         int
		)
		if err := rows.Scan(&c.ID, &c.Path, &c.Seq, &c.Text, &c.Page, &c.PageEnd, &c.Section,
			&sections, &ambiguous, &c.CharStart, &c.CharEnd, &regions); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(sections), &c.Sections); err != nil {
			return nil, fmt.Errorf("decoding sections of %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(regions), &c.Regions); err != nil {
			return nil, fmt.Errorf("decoding regions of %s: %w", c.ID, err)
		}
		if len(c.Sections) == 0 {
			c.Sections = nil
		}
		if len(c.Regions) == 0 {
			c.Regions = nil
		}
		c.Ambiguous = ambiguous != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ==================== Embeddings ====================

// Embeddings returns stored vectors for the given text hashes under model.
func (s *Store) Embeddings(ctx context.Context, model string, textHashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(textHashes))
	for start := 0; start < len(textHashes); start += idBatch {
		end := min(start+idBatch, len(textHashes))
		args := []any{model}
		for _, h := range textHashes[start:end] {
			args = append(args, h)
		}
		query := "SELECT text_hash, vector FROM embeddings WHERE model = ? AND text_hash IN (?" +
			strings.Repeat(", ?", end-start-1) + ")"
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying embeddings: %w", err)
		}
		for rows.Next() {
			var (
				hash string
				blob []byte
			)
			if err := rows.Scan(&hash, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning embedding: %w", err)
			}
			out[hash] = bytesToFloat32Slice(blob)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// PutEmbeddings stores vectors keyed by text hash under model.
func (s *Store) PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (text_hash, model, dims, vector) VALUES (?, ?, ?, ?)
		ON CONFLICT(text_hash, model) DO UPDATE SET dims = excluded.dims, vector = excluded.vector`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for hash, vec := range vectors {
		if _, err := stmt.ExecContext(ctx, hash, model, len(vec), float32SliceToBytes(vec)); err != nil {
			return fmt.Errorf("saving embedding: %w", err)
		}
	}
	return tx.Commit()
}

// PruneEmbeddings drops vectors no chunk references any more.
func (s *Store) PruneEmbeddings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM embeddings WHERE text_hash NOT IN (SELECT text_hash FROM chunks)")
	if err != nil {
		return 0, fmt.Errorf("pruning embeddings: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Maintenance ====================

// CopyTo writes a consistent, compacted copy of the database to dest.
func (s *Store) CopyTo(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("copy destination already exists: %s", dest)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("copying manifest: %w", err)
	}
	return nil
}

// QuickCheck runs SQLite's integrity quick check.
func (s *Store) QuickCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
