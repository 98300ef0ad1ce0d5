package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// MemoryType classifies how an atom entered the store.
type MemoryType string

const (
	TypeGeneral      MemoryType = "general"
	TypeSummary      MemoryType = "summary"
	TypeFileChunk    MemoryType = "file_chunk"
	TypeConversation MemoryType = "conversation"
)

// ParseMemoryType validates s. Empty means general.
func ParseMemoryType(s string) (MemoryType, error) {
	switch t := MemoryType(strings.TrimSpace(s)); t {
	case "":
		return TypeGeneral, nil
	case TypeGeneral, TypeSummary, TypeFileChunk, TypeConversation:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown memory type %q", ErrInvalidAtom, s)
	}
}

// Deduplicated reports whether identical content collapses to one atom.
func (t MemoryType) Deduplicated() bool {
	return t != TypeFileChunk
}

// MemoryAtom is a single persisted interaction or knowledge record.
// Times are unix milliseconds; zero means unset.
type MemoryAtom struct {
	ID         string     `json:"id"`
	UserText   string     `json:"user_text"`
	SystemText string     `json:"system_text"`
	MemoryType MemoryType `json:"memory_type"`
	Source     string     `json:"source,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Topic     string `json:"topic,omitempty"`

	Embedding      []float64 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	EmotionLabel     string   `json:"emotion_label,omitempty"`
	EmotionIntensity float64  `json:"emotion_intensity"`
	BeliefTags       []string `json:"belief_tags,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	ResonanceScore   float64  `json:"resonance_score"`
	RecallPriority   float64  `json:"recall_priority"`
	ReflexTag        bool     `json:"reflex_tag"`

	FadeScore     float64 `json:"fade_score"`
	FadeUpdatedAt int64   `json:"fade_updated_at"`
	UsedCount     int     `json:"used_count"`
	LastUsed      int64   `json:"last_used,omitempty"`
	TombstonedAt  int64   `json:"tombstoned_at,omitempty"`

	ParentID  string   `json:"parent_id,omitempty"`
	LinkedIDs []string `json:"linked_ids,omitempty"`

	ContentHash string `json:"content_hash"`
	CreatedAt   int64  `json:"created_at"`
}

// Tombstoned reports whether the atom has been evicted from recall.
func (a *MemoryAtom) Tombstoned() bool {
	return a.TombstonedAt != 0
}

// Anchored reports whether the atom participates in lineage or carries a reflex tag.
func (a *MemoryAtom) Anchored() bool {
	return a.ParentID != "" || len(a.LinkedIDs) > 0 || a.ReflexTag
}

// Text joins both sides of the interaction.
func (a *MemoryAtom) Text() string {
	switch {
	case a.UserText == "":
		return a.SystemText
	case a.SystemText == "":
		return a.UserText
	}
	return a.UserText + "\n" + a.SystemText
}

// ContentHash returns the dedup key for an interaction.
func ContentHash(userText, systemText string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userText)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(systemText)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize fills defaults and canonicalizes set fields in place.
func (a *MemoryAtom) normalize() error {
	t, err := ParseMemoryType(string(a.MemoryType))
	if err != nil {
		return err
	}
	a.MemoryType = t
	if strings.TrimSpace(a.UserText) == "" && strings.TrimSpace(a.SystemText) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidAtom)
	}
	for name, v := range map[string]float64{
		"emotion_intensity": a.EmotionIntensity,
		"resonance_score":   a.ResonanceScore,
		"recall_priority":   a.RecallPriority,
		"fade_score":        a.FadeScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.3f out of range [0,1]", ErrInvalidAtom, name, v)
		}
	}
	a.EmotionLabel = strings.ToLower(strings.TrimSpace(a.EmotionLabel))
	a.BeliefTags = canonicalSet(a.BeliefTags, true)
	a.Keywords = canonicalSet(a.Keywords, true)
	a.LinkedIDs = canonicalSet(a.LinkedIDs, false)
	a.LinkedIDs = slices.DeleteFunc(a.LinkedIDs, func(id string) bool { return id == a.ID })
	a.ContentHash = ContentHash(a.UserText, a.SystemText)
	return nil
}

func canonicalSet(in []string, lower bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
