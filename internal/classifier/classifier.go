// Package classifier talks to the local routing classifier model over
// the generate-completion HTTP contract and turns its free-form
// response into a validated Decision.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"contextcore/internal/config"
	"contextcore/internal/observability"

	"github.com/rs/zerolog/log"
)

// Decision is a routing outcome.
type Decision struct {
	Route string
	Reason string
	Priority string
	Confidence string
}

// DefaultDecision is returned whenever classification fails or the
// claimed route falls outside the closed vocabulary.
func DefaultDecision(reason string) Decision {
	return Decision{Route: "sonnet", Reason: reason, Priority: "medium", Confidence: "low"}
}

// highStakesKeywords trigger the low-confidence-on-a-high-stakes-query
// override: a classifier response that hedges on a message touching one
// of these topics is discarded in favor of DefaultDecision.
var highStakesKeywords = []string{"security", "production", "architect"}

// Client calls the routing classifier.
type Client struct {
	cfg config.ClassifierConfig
	http *http.Client
}

// New builds a classifier Client.
func New(cfg config.ClassifierConfig, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, http: observability.NewHTTPClient(httpClient)}
}

type generateReq struct {
	Model string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// Classify sends message and recent history to the classifier and
// returns a validated Decision. A transport failure, a response that
// fails to parse, or a route outside the closed vocabulary all degrade
// to DefaultDecision rather than propagating an error — routing always
// succeeds.
func (c *Client) Classify(ctx context.Context, message string, history []string) Decision {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := buildPrompt(message, history)
	body, err := json.Marshal(generateReq{Model: c.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return DefaultDecision("failed to build classifier request")
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return DefaultDecision("failed to build classifier request")
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().RawJSON("body", observability.RedactJSON(body)).Msg("classifier request")

	resp, err := c.http.Do(req)
	if err != nil {
		return DefaultDecision("classifier unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return DefaultDecision("classifier response unreadable")
	}
	log.Debug().RawJSON("body", observability.RedactJSON(respBody)).Int("status", resp.StatusCode).Msg("classifier response")

	if resp.StatusCode/100 != 2 {
		return DefaultDecision(fmt.Sprintf("classifier returned %s", resp.Status))
	}

	var gr generateResp
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return DefaultDecision("classifier response not decodable")
	}

	decision, ok := parseDecision(gr.Response)
	if !ok {
		return DefaultDecision("classifier response missing a parsable decision")
	}

	if !config.RouteSet[decision.Route] {
		return DefaultDecision(fmt.Sprintf("classifier proposed unknown route %q", decision.Route))
	}

	if decision.Confidence == "low" && isHighStakes(message) {
		return DefaultDecision("low confidence on a high-stakes query")
	}

	return decision
}

// parseDecision extracts the first JSON object found in raw and decodes
// it leniently.
func parseDecision(raw string) (Decision, bool) {
	match := jsonObjectPattern.FindString(raw)
	if match == "" {
		return Decision{}, false
	}
	var payload struct {
		Route string `json:"route"`
		Reason string `json:"reason"`
		Priority string `json:"priority"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		return Decision{}, false
	}
	if payload.Priority == "" {
		payload.Priority = "medium"
	}
	if payload.Confidence == "" {
		payload.Confidence = "medium"
	}
	return Decision{
		Route: payload.Route,
		Reason: payload.Reason,
		Priority: payload.Priority,
		Confidence: payload.Confidence,
	}, true
}

// Summarize sends text to the same generate-completion contract used for
// routing, asking for a compact summary. It is used by history
// compression to fold older session turns into one line rather than
// running a separate summarization model. On any failure it returns text
// unchanged — compression is a latency optimization, never a correctness
// requirement.
func (c *Client) Summarize(ctx context.Context, text string) string {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := "Summarize the following conversation history in one concise sentence, preserving names and facts:\n\n" + text
	body, err := json.Marshal(generateReq{Model: c.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return text
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return text
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().RawJSON("body", observability.RedactJSON(body)).Msg("summarize request")

	resp, err := c.http.Do(req)
	if err != nil {
		return text
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return text
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return text
	}
	log.Debug().RawJSON("body", observability.RedactJSON(respBody)).Int("status", resp.StatusCode).Msg("summarize response")

	var gr generateResp
	if err := json.Unmarshal(respBody, &gr); err != nil || strings.TrimSpace(gr.Response) == "" {
		return text
	}
	return strings.TrimSpace(gr.Response)
}

func isHighStakes(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range highStakesKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func buildPrompt(message string, history []string) string {
	var b strings.Builder
	b.WriteString("You are a routing classifier. Choose exactly one route from: ")
	b.WriteString("opus, sonnet, haiku, qwen_local, reasoning_local. ")
	b.WriteString("Respond with a single JSON object: {\"route\":\"...\",\"reason\":\"...\",\"priority\":\"...\",\"confidence\":\"...\"}.\n\n")
	if len(history) > 0 {
		b.WriteString("Recent history:\n")
		for _, h := range history {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Message: ")
	b.WriteString(message)
	return b.String()
}
