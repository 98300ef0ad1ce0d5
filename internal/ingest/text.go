package ingest

import (
	"strings"
	"unicode"
)

const (
	firstLastAssistantMax = 1000
	midAssistantMax       = 200
)

// Turn is one user message and the assistant reply that followed it.
// Either side may be empty.
type Turn struct {
	User      string
	Assistant string
}

// Pairs groups entries into turns. Consecutive messages from the same side
// are joined; a user message after a reply starts a new turn. System
// messages are dropped.
func Pairs(entries []Entry) []Turn {
	var turns []Turn
	var cur *Turn
	for _, e := range entries {
		switch e.Role {
		case "user":
			if cur == nil || cur.Assistant != "" {
				turns = append(turns, Turn{})
				cur = &turns[len(turns)-1]
			}
			cur.User = join(cur.User, e.Text)
		case "assistant":
			if cur == nil {
				turns = append(turns, Turn{})
				cur = &turns[len(turns)-1]
			}
			cur.Assistant = join(cur.Assistant, e.Text)
		}
	}
	return turns
}

func join(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}

// Condense reduces a conversation to its essentials:
//   - every user message
//   - the first and last assistant messages up to 1000 chars
//   - middle assistant messages up to 200 chars
func Condense(entries []Entry) string {
	var users, assistants []Entry
	for _, e := range entries {
		switch e.Role {
		case "user":
			users = append(users, e)
		case "assistant":
			assistants = append(assistants, e)
		}
	}

	var b strings.Builder
	for _, u := range users {
		b.WriteString("[USER] ")
		b.WriteString(u.Text)
		b.WriteString("\n\n")
	}
	for i, a := range assistants {
		limit := midAssistantMax
		if i == 0 || i == len(assistants)-1 {
			limit = firstLastAssistantMax
		}
		b.WriteString("[ASSISTANT] ")
		b.WriteString(clip(a.Text, limit))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// clip keeps the first n runes of s, marking the cut with "...".
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Chunk splits text into pieces of at most size runes, each starting
// overlap runes before the previous one ended. Cuts prefer whitespace in
// the back half of the window.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	r := []rune(strings.TrimSpace(text))
	if len(r) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(r) {
		end := start + size
		if end >= len(r) {
			end = len(r)
		} else {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(r[i]) {
					end = i
					break
				}
			}
		}

		if c := strings.TrimSpace(string(r[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(r) {
			break
		}

		next := end - overlap
		// Start the overlap on a word.
		for next < end && next > start && !unicode.IsSpace(r[next-1]) {
			next++
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
