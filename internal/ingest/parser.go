// Package ingest turns conversation logs and text files into memory atoms.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Entry is one parsed message of a conversation log.
type Entry struct {
	Role string // "user", "assistant", "system"
	Text string
}

// line accepts both the flat {"role","content"} shape and the nested
// {"type","message":{"role","content"}} shape.
type line struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentItem struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	Text string `json:"text,omitempty"`
}

const minEntryChars = 5

var reminderRe = regexp.MustCompile(`<(system-reminder|reminder)>[\s\S]*?</(system-reminder|reminder)>`)

// ParseConversation reads a JSONL conversation log. Malformed lines,
// lines without text, very short messages and JSON payloads are skipped.
func ParseConversation(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if e, ok := parseLine([]byte(raw)); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return entries, nil
}

func parseLine(raw []byte) (Entry, bool) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Entry{}, false
	}

	role, content := l.Role, l.Content
	if l.Message != nil {
		if role == "" {
			role = l.Message.Role
		}
		if len(content) == 0 {
			content = l.Message.Content
		}
	}
	if role == "" {
		role = l.Type
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" || len(content) == 0 {
		return Entry{}, false
	}

	text := reminderRe.ReplaceAllString(extractText(content), "")
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minEntryChars || strings.HasPrefix(text, "{") {
		return Entry{}, false
	}
	return Entry{Role: role, Text: text}, true
}

// extractText handles the polymorphic content field: a plain string or
// an array of content items, of which only text blocks are kept.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	return ""
}
