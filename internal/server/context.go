package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
)

// maxContextChars caps each memory line in the rendered block.
const maxContextChars = 240

// handleGetContext renders a recall as a markdown block an agent can paste
// into its prompt. An empty q surfaces spontaneous memories.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rc := recall.Context{
		SessionID: q.Get("session_id"),
		UserID:    q.Get("user_id"),
		Topic:     q.Get("topic"),
		Emotion:   q.Get("emotion"),
	}
	resp := s.engine.Recall(r.Context(), strings.TrimSpace(q.Get("q")), rc, recall.Options{})

	writeJSON(w, http.StatusOK, map[string]any{
		"context": buildContext(resp, time.Now()),
		"count":   len(resp.Results),
	})
}

// buildContext formats recalled memories, reflexes first.
func buildContext(resp recall.Response, now time.Time) string {
	var b strings.Builder

	b.WriteString("<context>\n## Resonance: Recalled Memories\n")

	var reflexes, memories []recall.Result
	for _, r := range resp.Results {
		if r.Reflex {
			reflexes = append(reflexes, r)
		} else {
			memories = append(memories, r)
		}
	}

	if len(reflexes) > 0 {
		b.WriteString("\n### Reflexes\n")
		for _, r := range reflexes {
			fmt.Fprintf(&b, "- %s\n", contextLine(r.Atom, now))
		}
	}

	if len(memories) > 0 {
		if resp.Report.Fallback {
			b.WriteString("\n### Vague Recollection\n")
		} else {
			b.WriteString("\n### Memories\n")
		}
		for _, r := range memories {
			fmt.Fprintf(&b, "- [%.2f] %s\n", r.Score, contextLine(r.Atom, now))
		}
	}

	if len(resp.Results) == 0 {
		b.WriteString("\nNothing comes to mind.\n")
	}

	b.WriteString("</context>")
	return b.String()
}

func contextLine(a store.MemoryAtom, now time.Time) string {
	text := strings.Join(strings.Fields(a.Text()), " ")
	if len(text) > maxContextChars {
		cut := maxContextChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}

	var tags []string
	if a.CreatedAt > 0 {
		tags = append(tags, ago(now.Sub(time.UnixMilli(a.CreatedAt))))
	}
	if a.EmotionLabel != "" {
		tags = append(tags, a.EmotionLabel)
	}
	if len(tags) == 0 {
		return text
	}
	return "(" + strings.Join(tags, ", ") + ") " + text
}

func ago(d time.Duration) string {
	switch {
	case d < time.Hour:
		return "just now"
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
