package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id BIGSERIAL PRIMARY KEY,
	source TEXT NOT NULL,
	locator TEXT NOT NULL,
	span TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	embedding BYTEA,
	content_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (source, locator, span)
);
CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(source, content_hash);

CREATE TABLE IF NOT EXISTS ingest_progress (
	path TEXT PRIMARY KEY,
	last_offset BIGINT NOT NULL,
	last_timestamp TIMESTAMPTZ NOT NULL,
	chunk_count INT NOT NULL
);
`

// postgresStore is the shared-corpus Store backend for operators who run
// the hub against a central database instead of a local file.
type postgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn with a small bounded pool sized for a
// single-service workload, and applies the chunk-store schema.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chunkstore: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chunkstore: apply schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) CheckIntegrity(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrCorpusCorrupt, err)
	}
	var tableCount int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('chunks', 'ingest_progress')`,
	).Scan(&tableCount)
	if err != nil || tableCount != 2 {
		return fmt.Errorf("%w: expected chunks and ingest_progress tables, found %d", ErrCorpusCorrupt, tableCount)
	}
	return nil
}

func (s *postgresStore) Upsert(ctx context.Context, chunks []Chunk, progress IngestProgress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chunkstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
	INSERT INTO chunks (source, locator, span, text, embedding, content_hash, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (source, locator, span) DO UPDATE SET
	text=excluded.text,
	embedding=CASE WHEN chunks.content_hash = excluded.content_hash THEN chunks.embedding ELSE excluded.embedding END,
	content_hash=excluded.content_hash,
	created_at=excluded.created_at
	WHERE chunks.content_hash != excluded.content_hash OR chunks.text != excluded.text;
	`
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, upsertSQL, string(c.Source), c.Locator, c.Span, c.Text,
			EncodeEmbedding(c.Embedding), c.ContentHash, c.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("chunkstore: upsert chunk %s/%s: %w", c.Source, c.Locator, err)
		}
	}

	if err := setIngestOffsetPgTx(ctx, tx, progress); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func setIngestOffsetPgTx(ctx context.Context, tx pgx.Tx, progress IngestProgress) error {
	const sqlStmt = `
	INSERT INTO ingest_progress (path, last_offset, last_timestamp, chunk_count)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (path) DO UPDATE SET
	last_offset=excluded.last_offset,
	last_timestamp=excluded.last_timestamp,
	chunk_count=excluded.chunk_count;
	`
	_, err := tx.Exec(ctx, sqlStmt, progress.Path, progress.LastOffset, progress.LastTimestamp.UTC(), progress.ChunkCount)
	if err != nil {
		return fmt.Errorf("chunkstore: set ingest offset: %w", err)
	}
	return nil
}

func (s *postgresStore) SetIngestOffset(ctx context.Context, progress IngestProgress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chunkstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := setIngestOffsetPgTx(ctx, tx, progress); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) GetIngestOffset(ctx context.Context, path string) (IngestProgress, bool, error) {
	var p IngestProgress
	row := s.pool.QueryRow(ctx,
		`SELECT path, last_offset, last_timestamp, chunk_count FROM ingest_progress WHERE path = $1`, path)
	if err := row.Scan(&p.Path, &p.LastOffset, &p.LastTimestamp, &p.ChunkCount); err != nil {
		if err == pgx.ErrNoRows {
			return IngestProgress{}, false, nil
		}
		return IngestProgress{}, false, fmt.Errorf("chunkstore: get ingest offset: %w", err)
	}
	return p, true, nil
}

func (s *postgresStore) DeleteBySource(ctx context.Context, source Source, locatorPrefix string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source = $1 AND locator LIKE $2 || '%'`, string(source), locatorPrefix)
	if err != nil {
		return fmt.Errorf("chunkstore: delete by source: %w", err)
	}
	return nil
}

func (s *postgresStore) IterateAll(ctx context.Context, source Source, fn func(id int64, embedding []byte) error) error {
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM chunks WHERE source = $1 AND embedding IS NOT NULL`, string(source))
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

func (s *postgresStore) ReadByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, locator, span, text, content_hash, created_at FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read by ids: %w", err)
	}
	defer rows.Close()

	out := make([]Chunk, 0, len(ids))
	for rows.Next() {
		var c Chunk
		var source string
		if err := rows.Scan(&c.ID, &source, &c.Locator, &c.Span, &c.Text, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chunkstore: scan chunk: %w", err)
		}
		c.Source = Source(source)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) LookupHash(ctx context.Context, source Source, contentHash string) ([]float32, bool, error) {
	var blob []byte
	row := s.pool.QueryRow(ctx,
		`SELECT embedding FROM chunks WHERE source = $1 AND content_hash = $2 AND embedding IS NOT NULL LIMIT 1`,
		string(source), contentHash)
	if err := row.Scan(&blob); err != nil {
		if err == pgx.ErrNoRows {
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

func (s *postgresStore) CountBySource(ctx context.Context) (map[Source]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM chunks WHERE embedding IS NOT NULL GROUP BY source`)
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
