// Package embedclient is the low-level HTTP transport to the embedding
// backend. It knows nothing about concurrency limits, circuit breaking,
// or caching — that lives one layer up in internal/embedder. This
// package owns the wire contract only: request shaping, auth header
// placement, and response decoding.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"contextcore/internal/config"
	"contextcore/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Client talks to a single embedding endpoint described by an
// EmbeddingConfig.
type Client struct {
	cfg config.EmbeddingConfig
	http *http.Client
}

// New builds a Client. A nil httpClient gets an otelhttp-instrumented
// default; when cfg carries an API key, an auth header is attached per
// cfg.APIHeader ("Authorization" gets the Bearer prefix, anything else is
// sent verbatim).
func New(cfg config.EmbeddingConfig, httpClient *http.Client) *Client {
	hc := observability.NewHTTPClient(httpClient)
	if cfg.APIKey != "" {
		header := cfg.APIHeader
		value := cfg.APIKey
		if header == "Authorization" {
			value = "Bearer " + cfg.APIKey
		}
		if header != "" {
			hc = observability.WithHeaders(hc, map[string]string{header: value})
		}
	}
	return &Client{cfg: cfg, http: hc}
}

type embedReq struct {
	Model string `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedText returns one embedding vector per input string, in order. It
// retries once on a transport error or 5xx response before surfacing
// ErrUpstreamUnavailable; a decode failure or count mismatch surfaces
// ErrMalformedResponse without retrying, since retrying won't fix a
// backend that sends the wrong shape.
func (c *Client) EmbedText(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedclient: no inputs")
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	var out [][]float32
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	policy = backoff.WithContext(policy, cctx)

	opErr := backoff.Retry(func() error {
		resp, err := c.doOnce(cctx, body, len(inputs))
		if err != nil {
			if _, malformed := err.(malformedErr); malformed {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}, policy)
	if opErr != nil {
		var me malformedErr
		if asMalformed(opErr, &me) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, me.detail)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, opErr)
	}
	return out, nil
}

type malformedErr struct{ detail string }

func (m malformedErr) Error() string { return m.detail }

func asMalformed(err error, target *malformedErr) bool {
	if me, ok := err.(malformedErr); ok {
		*target = me
		return true
	}
	if bp, ok := err.(*backoff.PermanentError); ok {
		return asMalformed(bp.Err, target)
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, body []byte, wantN int) ([][]float32, error) {
	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().RawJSON("body", observability.RedactJSON(body)).Msg("embedding request")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // transient: network error, retry
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	log.Debug().RawJSON("body", observability.RedactJSON(respBody)).Int("status", resp.StatusCode).Msg("embedding response")

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode/100 == 5 {
			return nil, fmt.Errorf("embedding backend %s: %s", resp.Status, truncate(respBody, 200))
		}
		return nil, backoff.Permanent(fmt.Errorf("embedding backend %s: %s", resp.Status, truncate(respBody, 200)))
	}

	var er embedResp
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, malformedErr{detail: fmt.Sprintf("decode response (input count %d): %v: %s", wantN, err, truncate(respBody, 200))}
	}
	if len(er.Embeddings) != wantN {
		return nil, malformedErr{detail: fmt.Sprintf("embedding count mismatch: got %d want %d", len(er.Embeddings), wantN)}
	}
	return er.Embeddings, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// CheckReachability sends a one-word probe to the embedding endpoint and
// reports whether it responds successfully.
func (c *Client) CheckReachability(ctx context.Context) error {
	_, err := c.EmbedText(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}

// Dimension returns the configured embedding dimension, used by callers
// that need to size vectors before the first real call completes.
func (c *Client) Dimension() int { return c.cfg.Dimension }
