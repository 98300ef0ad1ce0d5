package ingest

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPairs(t *testing.T) {
	entries := []Entry{
		{Role: "assistant", Text: "Welcome back."},
		{Role: "user", Text: "Help me write Go code"},
		{Role: "user", Text: "It should sort things"},
		{Role: "assistant", Text: "Sure, I can help."},
		{Role: "system", Text: "ignored system note"},
		{Role: "assistant", Text: "Here it is."},
		{Role: "user", Text: "Thanks that works"},
	}

	got := Pairs(entries)
	want := []Turn{
		{Assistant: "Welcome back."},
		{User: "Help me write Go code\nIt should sort things", Assistant: "Sure, I can help.\nHere it is."},
		{User: "Thanks that works"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Pairs =\n%+v\nwant\n%+v", got, want)
	}

	if Pairs(nil) != nil {
		t.Error("Pairs(nil) should be nil")
	}
}

func TestCondense(t *testing.T) {
	entries := []Entry{
		{Role: "user", Text: "Help me write Go code"},
		{Role: "assistant", Text: "Sure, I can help."},
		{Role: "assistant", Text: "Here is some middle content."},
		{Role: "assistant", Text: "Final answer here."},
		{Role: "user", Text: "Thanks that works"},
	}

	result := Condense(entries)

	for _, want := range []string{
		"[USER] Help me write Go code",
		"[USER] Thanks that works",
		"[ASSISTANT] Sure, I can help.",
		"[ASSISTANT] Here is some middle content.",
		"[ASSISTANT] Final answer here.",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("missing %q in:\n%s", want, result)
		}
	}
}

func TestCondenseTruncation(t *testing.T) {
	longText := strings.Repeat("x", 2000)

	result := Condense([]Entry{
		{Role: "assistant", Text: longText}, // first → 1000
		{Role: "assistant", Text: longText}, // mid → 200
		{Role: "assistant", Text: longText}, // last → 1000
	})

	parts := strings.Split(result, "\n\n")
	if len(parts) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(parts))
	}
	wantLens := []int{firstLastAssistantMax, midAssistantMax, firstLastAssistantMax}
	for i, p := range parts {
		body := strings.TrimSuffix(strings.TrimPrefix(p, "[ASSISTANT] "), "...")
		if len(body) != wantLens[i] {
			t.Errorf("message %d len = %d, want %d", i, len(body), wantLens[i])
		}
	}
}

func TestCondenseRuneSafe(t *testing.T) {
	result := Condense([]Entry{
		{Role: "assistant", Text: "a"},
		{Role: "assistant", Text: strings.Repeat("두", 500)},
		{Role: "assistant", Text: "z"},
	})
	if !utf8.ValidString(result) {
		t.Error("condense split a rune")
	}
	if !strings.Contains(result, strings.Repeat("두", midAssistantMax)+"...") {
		t.Error("mid message should keep 200 runes")
	}
}

func TestCondenseEmpty(t *testing.T) {
	if result := Condense(nil); result != "" {
		t.Errorf("expected empty string for nil, got %q", result)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		text    string
		size    int
		overlap int
		want    []string
	}{
		{"aaa bbb ccc ddd", 8, 0, []string{"aaa bbb", "ccc ddd"}},
		{"aaa bbb ccc ddd", 8, 4, []string{"aaa bbb", "bbb ccc", "ccc ddd"}},
		{"short", 100, 10, []string{"short"}},
		{"abcdefghij", 4, 0, []string{"abcd", "efgh", "ij"}},
		{"   ", 10, 0, nil},
		{"anything", 0, 0, nil},
	}
	for _, tt := range tests {
		got := Chunk(tt.text, tt.size, tt.overlap)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Chunk(%q, %d, %d) = %q, want %q", tt.text, tt.size, tt.overlap, got, tt.want)
		}
	}
}

func TestChunkRunesAndCoverage(t *testing.T) {
	words := strings.Repeat("가나다 라마 ", 400)
	chunks := Chunk(words, 100, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk %d has %d runes, want <= 100", i, n)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(words), strings.TrimSpace(chunks[len(chunks)-1])) {
		t.Error("last chunk should end the text")
	}
}
