package chunkstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	locator TEXT NOT NULL,
	span TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	embedding BLOB,
	content_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_source_locator ON chunks(source, locator, span);
CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(source, content_hash);

CREATE TABLE IF NOT EXISTS ingest_progress (
	path TEXT PRIMARY KEY,
	last_offset INTEGER NOT NULL,
	last_timestamp TEXT NOT NULL,
	chunk_count INTEGER NOT NULL
);
`

// sqliteStore is the default, dependency-free Store backend: a single
// file with WAL journaling. All access goes through one pooled
// connection, so readers and writers are serialized: a read issued
// while a write transaction is open waits until that transaction ends.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a chunk store at path.
func OpenSQLite(path string) (Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("chunkstore: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open sqlite: %w", err)
	}
	// One connection for the whole pool: writers are serialized, and so
	// are readers, which queue behind any open transaction. It also keeps
	// a ":memory:" database on the single connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: apply schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorpusCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity_check reported %q", ErrCorpusCorrupt, result)
	}
	return nil
}

func (s *sqliteStore) Upsert(ctx context.Context, chunks []Chunk, progress IngestProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chunkstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	const upsertSQL = `
	INSERT INTO chunks (source, locator, span, text, embedding, content_hash, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, locator, span) DO UPDATE SET
	text=excluded.text,
	embedding=CASE WHEN chunks.content_hash = excluded.content_hash THEN chunks.embedding ELSE excluded.embedding END,
	content_hash=excluded.content_hash,
	created_at=excluded.created_at
	WHERE chunks.content_hash != excluded.content_hash OR chunks.text != excluded.text;
	`
	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("chunkstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, string(c.Source), c.Locator, c.Span, c.Text,
			EncodeEmbedding(c.Embedding), c.ContentHash, c.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("chunkstore: upsert chunk %s/%s: %w", c.Source, c.Locator, err)
		}
	}

	if err := setIngestOffsetTx(ctx, tx, progress); err != nil {
		return err
	}

	return tx.Commit()
}

func setIngestOffsetTx(ctx context.Context, tx *sql.Tx, progress IngestProgress) error {
	const sqlStmt = `
	INSERT INTO ingest_progress (path, last_offset, last_timestamp, chunk_count)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
	last_offset=excluded.last_offset,
	last_timestamp=excluded.last_timestamp,
	chunk_count=excluded.chunk_count;
	`
	_, err := tx.ExecContext(ctx, sqlStmt, progress.Path, progress.LastOffset,
		progress.LastTimestamp.UTC().Format(time.RFC3339Nano), progress.ChunkCount)
	if err != nil {
		return fmt.Errorf("chunkstore: set ingest offset: %w", err)
	}
	return nil
}

func (s *sqliteStore) SetIngestOffset(ctx context.Context, progress IngestProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chunkstore: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := setIngestOffsetTx(ctx, tx, progress); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetIngestOffset(ctx context.Context, path string) (IngestProgress, bool, error) {
	var p IngestProgress
	var ts string
	row := s.db.QueryRowContext(ctx,
		`SELECT path, last_offset, last_timestamp, chunk_count FROM ingest_progress WHERE path = ?`, path)
	if err := row.Scan(&p.Path, &p.LastOffset, &ts, &p.ChunkCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IngestProgress{}, false, nil
		}
		return IngestProgress{}, false, fmt.Errorf("chunkstore: get ingest offset: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return IngestProgress{}, false, fmt.Errorf("chunkstore: parse ingest timestamp: %w", err)
	}
	p.LastTimestamp = parsed
	return p, true, nil
}

func (s *sqliteStore) DeleteBySource(ctx context.Context, source Source, locatorPrefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE source = ? AND locator LIKE ? || '%'`, string(source), locatorPrefix)
	if err != nil {
		return fmt.Errorf("chunkstore: delete by source: %w", err)
	}
	return nil
}

func (s *sqliteStore) IterateAll(ctx context.Context, source Source, fn func(id int64, embedding []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM chunks WHERE source = ? AND embedding IS NOT NULL`, string(source))
	if err != nil {
		return fmt.Errorf("chunkstore: iterate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("chunkstore: scan row: %w", err)
		}
		if len(blob) == 0 {
			continue
		}
		if err := fn(id, blob); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) ReadByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(ids))
	query := "SELECT id, source, locator, span, text, content_hash, created_at FROM chunks WHERE id IN ("
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read by ids: %w", err)
	}
	defer rows.Close()

	out := make([]Chunk, 0, len(ids))
	for rows.Next() {
		var c Chunk
		var source, ts string
		if err := rows.Scan(&c.ID, &source, &c.Locator, &c.Span, &c.Text, &c.ContentHash, &ts); err != nil {
			return nil, fmt.Errorf("chunkstore: scan chunk: %w", err)
		}
		c.Source = Source(source)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.CreatedAt = parsed
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LookupHash(ctx context.Context, source Source, contentHash string) ([]float32, bool, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM chunks WHERE source = ? AND content_hash = ? AND embedding IS NOT NULL LIMIT 1`,
		string(source), contentHash)
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("chunkstore: lookup hash: %w", err)
	}
	vec, err := DecodeEmbedding(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (s *sqliteStore) CountBySource(ctx context.Context) (map[Source]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM chunks WHERE embedding IS NOT NULL GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: count by source: %w", err)
	}
	defer rows.Close()

	out := map[Source]int{}
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("chunkstore: scan count: %w", err)
		}
		out[Source(source)] = n
	}
	return out, rows.Err()
}
