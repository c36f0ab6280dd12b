package session

import (
	"testing"
	"time"
)

func TestAppendAndLast(t *testing.T) {
	s := New(3)
	s.Append("sess1", Message{Role: "user", Text: "one", TS: time.Now()})
	s.Append("sess1", Message{Role: "assistant", Text: "two", TS: time.Now()})
	s.Append("sess1", Message{Role: "user", Text: "three", TS: time.Now()})
	s.Append("sess1", Message{Role: "user", Text: "four", TS: time.Now()})

	last := s.Last("sess1", 3)
	if len(last) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(last))
	}
	if last[0].Text != "two" || last[2].Text != "four" {
		t.Fatalf("unexpected ring contents: %+v", last)
	}
}

func TestLastMessage(t *testing.T) {
	s := New(5)
	if _, ok := s.LastMessage("unknown"); ok {
		t.Fatal("expected no last message for unknown session")
	}
	s.Append("sess1", Message{Role: "user", Text: "hi", TS: time.Now()})
	m, ok := s.LastMessage("sess1")
	if !ok || m.Text != "hi" {
		t.Fatalf("unexpected last message: %+v ok=%v", m, ok)
	}
}

func TestSessionIsolation(t *testing.T) {
	s := New(5)
	s.Append("a", Message{Role: "user", Text: "a-msg", TS: time.Now()})
	s.Append("b", Message{Role: "user", Text: "b-msg", TS: time.Now()})
	if got := s.Last("a", 5); len(got) != 1 || got[0].Text != "a-msg" {
		t.Fatalf("session a contaminated: %+v", got)
	}
	if s.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", s.SessionCount())
	}
}
