// Package ingest polls transcript directories, parses append-only
// records, groups them into chunks, and keeps the chunk store and
// vector index current.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Part is one structured content block within a chat-style record.
type Part struct {
	Kind string `json:"kind"` // "text", "tool_call", "tool_result", "image"
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool_call name
	Args string `json:"arguments,omitempty"`
}

// rawRecord is the wire shape of one NDJSON transcript line.
type rawRecord struct {
	Type  string    `json:"type"`
	Role  string    `json:"role"`
	TS    time.Time `json:"ts"`
	Text  string    `json:"text,omitempty"`
	Parts []Part    `json:"parts,omitempty"`
}

// Message is a normalized, flattened record ready for chunking.
type Message struct {
	Role string
	Text string
	TS   time.Time
}

const toolArgTruncateLen = 200

// normalize flattens a raw record's text or parts into plain text: tool
// calls become "[tool:<name>] <arguments>" (truncated), tool results
// are marked, and image blocks become a placeholder.
func normalize(r rawRecord) Message {
	if r.Text != "" {
		return Message{Role: r.Role, Text: r.Text, TS: r.TS}
	}
	var b strings.Builder
	for i, p := range r.Parts {
		if i > 0 {
			b.WriteString(" ")
		}
		switch p.Kind {
		case "tool_call":
			args := p.Args
			if len(args) > toolArgTruncateLen {
				args = args[:toolArgTruncateLen]
			}
			fmt.Fprintf(&b, "[tool:%s] %s", p.Name, args)
		case "tool_result":
			text := p.Text
			if len(text) > toolArgTruncateLen {
				text = text[:toolArgTruncateLen]
			}
			fmt.Fprintf(&b, "[tool_result] %s", text)
		case "image":
			b.WriteString("[image]")
		default:
			b.WriteString(p.Text)
		}
	}
	return Message{Role: r.Role, Text: b.String(), TS: r.TS}
}

// RecordParser is a total parser over newline-delimited JSON records: a
// malformed line is skipped (never panics), and the reported consumed
// byte count only advances past lines that parsed successfully or were
// explicitly skipped as malformed — a trailing partial line is always
// left unconsumed for the next read.
type RecordParser struct {
	onSkip func(line []byte, err error)
}

// NewRecordParser builds a parser. onSkip, if non-nil, is called for
// every line that fails to parse (logging hook).
func NewRecordParser(onSkip func(line []byte, err error)) *RecordParser {
	return &RecordParser{onSkip: onSkip}
}

// Parse scans data for complete (newline-terminated) lines, parses each
// into a Message, and returns the messages plus the number of bytes
// consumed. The trailing partial line, if any, is not consumed.
func (p *RecordParser) Parse(data []byte) ([]Message, int) {
	var messages []Message
	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var raw rawRecord
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			if p.onSkip != nil {
				p.onSkip(trimmed, err)
			}
			continue
		}
		msg := normalize(raw)
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, consumed
}
