// Package embedder sits between the Context Pipeline / Ingestion Watcher
// and the raw embedclient transport. It owns back-pressure: a bounded
// concurrency gate, a circuit breaker that trips on sustained upstream
// failure, and a request-rate shaper, so a slow or unhealthy embedding
// backend degrades callers instead of queuing them indefinitely.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"contextcore/internal/config"
	"contextcore/internal/embedclient"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Embedder converts text to embedding vectors. Production code gets
// NewClient; tests get NewDeterministic for reproducible vectors without a
// network dependency.
type Embedder interface {
	// EmbedBatch returns an embedding vector per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the embedding dimensionality (0 for variable/unknown).
	Dimension() int
	// Ping checks whether the embedding service is reachable.
	Ping(ctx context.Context) error
}

// clientEmbedder wraps an embedclient.Client with concurrency limiting,
// circuit breaking, and rate shaping.
type clientEmbedder struct {
	cli *embedclient.Client
	cfg config.EmbeddingConfig
	batchSize int
	sem *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewClient constructs an embedder backed by an embedclient.Client. It
// sends one chunk per request by default — large batches cause crashes on
// some local llama.cpp embedding servers under concurrent load — and caps
// the number of in-flight requests at cfg.MaxConcurrency.
func NewClient(cfg config.EmbeddingConfig, cli *embedclient.Client) Embedder {
	maxConcurrency := int64(cfg.MaxConcurrency)
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	rps := cfg.RequestsPerSecond
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(maxConcurrency)
		if burst < 1 {
			burst = 1
		}
	}

	settings := gobreaker.Settings{
		Name: "embedding-backend",
		MaxRequests: 1,
		Interval: 0,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &clientEmbedder{
		cli: cli,
		cfg: cfg,
		batchSize: 1,
		sem: semaphore.NewWeighted(maxConcurrency),
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *clientEmbedder) Name() string { return c.cfg.Model }
func (c *clientEmbedder) Dimension() int { return c.cfg.Dimension }

func (c *clientEmbedder) Ping(ctx context.Context) error {
	return c.cli.CheckReachability(ctx)
}

func (c *clientEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= c.batchSize {
		return c.guardedCall(ctx, texts)
	}

	var all [][]float32
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embs, err := c.guardedCall(ctx, texts[i:end])
		if err != nil {
			return all, err
		}
		all = append(all, embs...)
	}
	return all, nil
}

// guardedCall takes the concurrency slot, waits for the rate limiter, and
// runs the call through the circuit breaker so sustained failures stop
// hammering a downed backend.
func (c *clientEmbedder) guardedCall(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("embedder: acquire concurrency slot: %w", err)
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedder: rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.cli.EmbedText(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", embedclient.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

// deterministicEmbedder is a lightweight, deterministic embedder for
// tests and the skip-logic fixtures. It hashes byte 3-grams into a
// fixed-size vector and optionally L2-normalizes.
type deterministicEmbedder struct {
	dim int
	normalize bool
	seed uint64
	name string
}

// NewDeterministic constructs a deterministic embedder with the given
// dimension. If normalize is true, vectors are L2-normalized so cosine
// and dot-product scoring agree, matching the Vector Index's own
// pre-normalization. Seed perturbs hashing so fixtures can produce
// distinct corpora without a real backend.
func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed, name: "deterministic"}
}

func (d *deterministicEmbedder) Name() string { return d.name }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) Ping(_ context.Context) error { return nil }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		add(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			add(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func add(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
