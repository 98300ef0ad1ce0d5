package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
)

func TestBuildContext(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	resp := recall.Response{Results: []recall.Result{
		{Atom: store.MemoryAtom{UserText: "never touch the hot stove", CreatedAt: now.Add(-48 * time.Hour).UnixMilli()}, Reflex: true, Score: 1},
		{Atom: store.MemoryAtom{UserText: "I'm scared of failing", EmotionLabel: "fear", CreatedAt: now.Add(-2 * time.Hour).UnixMilli()}, Score: 0.71},
	}}

	got := buildContext(resp, now)

	for _, want := range []string{
		"<context>",
		"### Reflexes\n- (2d ago) never touch the hot stove",
		"### Memories\n- [0.71] (2h ago, fear) I'm scared of failing",
		"</context>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "Reflexes") > strings.Index(got, "Memories") {
		t.Errorf("reflexes should come first:\n%s", got)
	}
}

func TestBuildContextEmptyAndFallback(t *testing.T) {
	now := time.Now()
	if got := buildContext(recall.Response{}, now); !strings.Contains(got, "Nothing comes to mind.") {
		t.Errorf("empty context = %q", got)
	}

	resp := recall.Response{
		Results: []recall.Result{{Atom: store.MemoryAtom{UserText: "maybe this"}, Fallback: true, Score: 0.3}},
		Report:  recall.Report{Fallback: true},
	}
	if got := buildContext(resp, now); !strings.Contains(got, "### Vague Recollection\n- [0.30] maybe this") {
		t.Errorf("fallback context = %q", got)
	}
}

func TestContextLineTruncatesOnRuneBoundary(t *testing.T) {
	a := store.MemoryAtom{UserText: strings.Repeat("é", maxContextChars)}
	got := contextLine(a, time.Now())
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation, got %d bytes", len(got))
	}
	body := strings.TrimSuffix(got, "...")
	if strings.Trim(body, "é") != "" {
		t.Errorf("truncation split a rune: %q", body[len(body)-4:])
	}
}

func TestContextEndpoint(t *testing.T) {
	srv := testServer(t)
	storeMemory(t, srv, engine.StoreRequest{UserText: "never touch the hot stove", Reflex: true})

	var body struct {
		Context string `json:"context"`
		Count   int    `json:"count"`
	}
	if code := do(t, srv, "GET", "/api/context?q=the+hot+stove", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 1 || !strings.Contains(body.Context, "never touch the hot stove") {
		t.Errorf("body = %+v", body)
	}
}
