package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/resonance/internal/store"
)

// Content size limits (approximate token → char conversion: 1 token ≈ 4 chars).
const (
	maxTextChars   = 40000 // ~10K tokens per side
	maxLabelChars  = 64
	maxSourceChars = 512
	maxTags        = 32
)

// validLabelChar returns true if the character is allowed in a label or tag.
// Allowed: letters, digits, hyphens, underscores. Input is lowercased first.
func validLabelChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

// sanitizeLabel normalizes an emotion label or tag to lowercase
// letters, digits, '-' and '_'. Spaces, dots and slashes become hyphens;
// anything else is dropped.
func sanitizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		if validLabelChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' || r == '/' {
			// Collapse separators to single hyphen
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	result := strings.Trim(b.String(), "-_")
	if len(result) > maxLabelChars {
		result = strings.Trim(result[:maxLabelChars], "-_")
	}
	return result
}

func sanitizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t = sanitizeLabel(t); t != "" {
			out = append(out, t)
		}
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// validateRequest checks a store request for obvious garbage and returns
// a sanitized copy. Oversized text is truncated rather than rejected.
func (e *Engine) validateRequest(req StoreRequest) (StoreRequest, error) {
	req.UserText = strings.TrimSpace(req.UserText)
	req.SystemText = strings.TrimSpace(req.SystemText)
	if req.UserText == "" && req.SystemText == "" {
		return req, fmt.Errorf("%w: empty content", store.ErrInvalidAtom)
	}

	t, err := store.ParseMemoryType(string(req.MemoryType))
	if err != nil {
		return req, err
	}
	req.MemoryType = t

	for name, v := range map[string]float64{
		"emotion_intensity": req.EmotionIntensity,
		"resonance_score":   req.ResonanceScore,
		"recall_priority":   req.RecallPriority,
	} {
		if v < 0 || v > 1 {
			return req, fmt.Errorf("%w: %s %.3f out of range [0,1]", store.ErrInvalidAtom, name, v)
		}
	}

	if len(req.UserText) > maxTextChars {
		e.log.Warn("truncating user text", "from", len(req.UserText), "to", maxTextChars)
		req.UserText = truncateClean(req.UserText, maxTextChars)
	}
	if len(req.SystemText) > maxTextChars {
		e.log.Warn("truncating system text", "from", len(req.SystemText), "to", maxTextChars)
		req.SystemText = truncateClean(req.SystemText, maxTextChars)
	}
	req.Source = truncateClean(strings.TrimSpace(req.Source), maxSourceChars)

	req.EmotionLabel = sanitizeLabel(req.EmotionLabel)
	req.BeliefTags = sanitizeTags(req.BeliefTags)
	return req, nil
}

// truncateClean truncates a string to maxLen bytes, cutting at the last
// word boundary to avoid mid-word breaks and never splitting a rune.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	truncated := s[:cut]
	// Back up to last space
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > 0 && idx > cut-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
