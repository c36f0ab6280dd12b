package ingest

import (
	"strings"
	"time"
)

// Draft is one grouped-but-not-yet-embedded chunk produced by the
// chunker, carrying enough to build a locator once the caller knows the
// source and file identity.
type Draft struct {
	Text      string
	StartTS   time.Time
	EndTS     time.Time
	StartLine int // meaningful only for the line-based (memory) chunker
	EndLine   int
}

// GroupMessages groups normalized chat-style messages into chunks by two
// policies applied together: a soft boundary when the gap to the next
// message is >= softGap, and a hard boundary when appending the next
// message would push cumulative text past chunkSize. A flushed chunk's
// text carries up to overlap trailing characters of context into the
// next chunk.
func GroupMessages(messages []Message, chunkSize, overlap int, softGap time.Duration) []Draft {
	if chunkSize <= 0 {
		chunkSize = 1500
	}
	if len(messages) == 0 {
		return nil
	}

	var drafts []Draft
	var buf strings.Builder
	var startTS, lastTS time.Time
	haveStart := false

	flush := func(endTS time.Time) {
		if buf.Len() == 0 {
			return
		}
		drafts = append(drafts, Draft{Text: buf.String(), StartTS: startTS, EndTS: endTS})
		carried := carryOverlap(buf.String(), overlap)
		buf.Reset()
		buf.WriteString(carried)
		if carried != "" {
			haveStart = true
			startTS = endTS // overlap text belongs conceptually to the new chunk's start
		} else {
			haveStart = false
		}
	}

	for _, m := range messages {
		line := formatMessage(m)
		if !haveStart {
			startTS = m.TS
			haveStart = true
		} else if !lastTS.IsZero() && softGap > 0 && m.TS.Sub(lastTS) >= softGap {
			flush(lastTS)
			startTS = m.TS
			haveStart = true
		}

		if buf.Len() > 0 && buf.Len()+len(line)+1 > chunkSize {
			flush(lastTS)
			startTS = m.TS
			haveStart = true
		}

		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line)
		lastTS = m.TS
	}
	flush(lastTS)

	return drafts
}

func formatMessage(m Message) string {
	return m.Role + ": " + m.Text
}

// carryOverlap returns the trailing overlap characters of text, cut at a
// rune boundary, used to seed the next chunk with continuity.
func carryOverlap(text string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	r := []rune(text)
	if len(r) <= overlap {
		return ""
	}
	return string(r[len(r)-overlap:])
}

// GroupLines chunks plain text (memory notes) by line, purely on a
// cumulative character hard boundary — there is no timestamp to drive a
// soft boundary for this source.
func GroupLines(lines []string, chunkSize, overlap int) []Draft {
	if chunkSize <= 0 {
		chunkSize = 1500
	}
	var drafts []Draft
	var buf strings.Builder
	startLine := 0

	flush := func(endLine int) {
		if buf.Len() == 0 {
			return
		}
		drafts = append(drafts, Draft{Text: buf.String(), StartLine: startLine, EndLine: endLine})
		carried := carryOverlap(buf.String(), overlap)
		buf.Reset()
		buf.WriteString(carried)
	}

	for i, line := range lines {
		if buf.Len() > 0 && buf.Len()+len(line)+1 > chunkSize {
			flush(i - 1)
			startLine = i
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line)
	}
	flush(len(lines) - 1)

	return drafts
}
