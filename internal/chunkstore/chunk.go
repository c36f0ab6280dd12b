// Package chunkstore is the durable, queryable store of chunks and their
// embeddings, plus per-file ingest progress. It exposes one Store
// interface behind two interchangeable backends, sqlite (default) and
// postgres, selected by config.Store.Backend.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Source is the closed set of corpus partitions a chunk can belong to.
type Source string

const (
	SourceMemory Source = "memory"
	SourceChat Source = "chat"
	SourceChatExport Source = "chat_export"
)

// Chunk is a unit of retrievable text.
type Chunk struct {
	ID int64
	Source Source
	Locator string
	Span string
	Text string
	Embedding []float32
	ContentHash string
	CreatedAt time.Time
}

// ContentHash returns the SHA-256 hex digest of text, used to detect an
// unchanged chunk across re-ingest.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EncodeEmbedding serializes a float32 vector to a little-endian byte
// blob of length 4*len(v).
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding. It returns an error
// if the blob length is not a multiple of 4.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("chunkstore: embedding blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// IngestProgress is the durable per-file watermark, advanced transactionally with the chunks it produced.
type IngestProgress struct {
	Path string
	LastOffset int64
	LastTimestamp time.Time
	ChunkCount int
}

// Store is the durable chunk + ingest-progress persistence contract.
// Implementations must serialize writers and let readers observe only
// committed, consistent snapshots.
type Store interface {
	// Upsert writes a batch of chunks and the ingest progress that
	// produced them in a single transaction. Within the batch, a chunk
	// whose (source, locator, span) already exists with the same content
	// hash is a no-op that reuses the stored embedding; a different hash
	// at the same (locator, span) replaces the row.
	Upsert(ctx context.Context, chunks []Chunk, progress IngestProgress) error

	// DeleteBySource removes every chunk under source whose locator has
	// the given prefix, used for incremental reindex.
	DeleteBySource(ctx context.Context, source Source, locatorPrefix string) error

	// IterateAll streams (id, embedding bytes) pairs for source, used
	// only when (re)loading the vector index.
	IterateAll(ctx context.Context, source Source, fn func(id int64, embedding []byte) error) error

	// ReadByIDs materializes full chunk rows for the given ids, in no
	// particular order, used to assemble search results.
	ReadByIDs(ctx context.Context, ids []int64) ([]Chunk, error)

	// LookupHash returns the embedding already stored for a content
	// hash within source, if any, so ingestion can skip re-embedding an
	// unchanged chunk.
	LookupHash(ctx context.Context, source Source, contentHash string) ([]float32, bool, error)

	// GetIngestOffset returns the last recorded progress for path.
	GetIngestOffset(ctx context.Context, path string) (IngestProgress, bool, error)

	// SetIngestOffset persists progress for path outside of an ingest
	// batch (used when a scan observes no new chunks but the byte
	// offset still advanced past skippable content).
	SetIngestOffset(ctx context.Context, progress IngestProgress) error

	// CountBySource returns the number of visible chunks per source;
	// reindex reports its result from it.
	CountBySource(ctx context.Context) (map[Source]int, error)

	// CheckIntegrity runs a backend-appropriate corruption check. A
	// non-nil error is fatal at startup.
	CheckIntegrity(ctx context.Context) error

	// Close releases any held resources (file handles, connection pools).
	Close() error
}
