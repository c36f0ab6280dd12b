package ingest

import (
	"testing"
	"time"
)

func TestParseSkipsMalformedLines(t *testing.T) {
	var skipped int
	p := NewRecordParser(func(line []byte, err error) { skipped++ })

	data := []byte(`{"type":"message","role":"user","text":"hello","ts":"2026-01-01T00:00:00Z"}
not json at all
{"type":"message","role":"assistant","text":"hi","ts":"2026-01-01T00:00:01Z"}
`)
	messages, consumed := p.Parse(data)
	if consumed != len(data) {
		t.Fatalf("expected all bytes consumed, got %d of %d", consumed, len(data))
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped line, got %d", skipped)
	}
	if messages[0].Text != "hello" || messages[1].Role != "assistant" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestParseLeavesPartialLineUnconsumed(t *testing.T) {
	p := NewRecordParser(nil)
	data := []byte(`{"type":"message","role":"user","text":"complete","ts":"2026-01-01T00:00:00Z"}
{"type":"message","role":"user","text":"incomplete`)

	messages, consumed := p.Parse(data)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if consumed != len(data)-len(`{"type":"message","role":"user","text":"incomplete`) {
		t.Fatalf("unexpected consumed count: %d", consumed)
	}
}

func TestNormalizeToolCallTruncation(t *testing.T) {
	longArgs := make([]byte, toolArgTruncateLen+50)
	for i := range longArgs {
		longArgs[i] = 'x'
	}
	r := rawRecord{
		Role: "assistant",
		Parts: []Part{
			{Kind: "tool_call", Name: "search", Args: string(longArgs)},
		},
	}
	msg := normalize(r)
	if len(msg.Text) > toolArgTruncateLen+len("[tool:search] ") {
		t.Fatalf("expected truncated tool args, got length %d", len(msg.Text))
	}
}

func TestNormalizeImagePlaceholder(t *testing.T) {
	r := rawRecord{Role: "user", Parts: []Part{{Kind: "image"}}}
	msg := normalize(r)
	if msg.Text != "[image]" {
		t.Fatalf("expected image placeholder, got %q", msg.Text)
	}
}

func TestParseSkipsBlankLinesAndEmptyText(t *testing.T) {
	p := NewRecordParser(nil)
	data := []byte("\n" + `{"type":"message","role":"user","text":"","ts":"2026-01-01T00:00:00Z"}` + "\n")
	messages, consumed := p.Parse(data)
	if len(messages) != 0 {
		t.Fatalf("expected 0 messages for blank/empty text, got %d", len(messages))
	}
	if consumed != len(data) {
		t.Fatalf("expected full consumption of blank/empty lines, got %d", consumed)
	}
}

func TestMessageTSRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	p := NewRecordParser(nil)
	data := []byte(`{"type":"message","role":"user","text":"hi","ts":"` + ts.Format(time.RFC3339) + `"}` + "\n")
	messages, _ := p.Parse(data)
	if len(messages) != 1 || !messages[0].TS.Equal(ts) {
		t.Fatalf("expected ts %v, got %+v", ts, messages)
	}
}
