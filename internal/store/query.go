package store

import (
	"context"
	"strings"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Filter selects atoms by metadata. Every populated field must match (AND);
// within Tags and Keywords any single value matching is enough.
type Filter struct {
	Tags     []string // keyword or belief tags
	TagKind  string   // "keyword", "belief" or "" for both
	Keywords []string // substring match against user or system text

	EmotionLabel string
	SessionID    string
	UserID       string
	Topic        string
	ParentID     string
	MemoryType   MemoryType

	Since int64 // created_at >= Since (ms)
	Until int64 // created_at < Until (ms)

	// High-charge filter: emotion_intensity > MinEmotionIntensity OR
	// resonance_score > MinResonance. Active when either is positive.
	MinEmotionIntensity float64
	MinResonance        float64

	// UsedOnly keeps atoms with used_count > 0, ordered by usage.
	UsedOnly bool

	IncludeTombstoned bool
	Limit             int
}

// QueryByMetadata returns atoms matching f, most recent first (or most used
// first when f.UsedOnly is set). Vectors are included.
func (db *DB) QueryByMetadata(ctx context.Context, f Filter) ([]MemoryAtom, error) {
	var where []string
	var args []any

	if !f.IncludeTombstoned {
		where = append(where, "tombstoned_at IS NULL")
	}
	if tags := canonicalSet(f.Tags, true); len(tags) > 0 {
		clause := `id IN (SELECT atom_id FROM atom_tags WHERE tag IN (` + placeholders(len(tags)) + `)`
		args = append(args, stringArgs(tags)...)
		if f.TagKind != "" {
			clause += ` AND kind = ?`
			args = append(args, f.TagKind)
		}
		where = append(where, clause+`)`)
	}
	if len(f.Keywords) > 0 {
		var ors []string
		for _, kw := range f.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			pattern := "%" + escapeLike(kw) + "%"
			ors = append(ors, `user_text LIKE ? ESCAPE '\'`, `system_text LIKE ? ESCAPE '\'`)
			args = append(args, pattern, pattern)
		}
		if len(ors) > 0 {
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		}
	}
	eq := []struct {
		col string
		val string
	}{
		{"emotion_label", strings.ToLower(strings.TrimSpace(f.EmotionLabel))},
		{"session_id", f.SessionID},
		{"user_id", f.UserID},
		{"topic", f.Topic},
		{"parent_id", f.ParentID},
		{"memory_type", string(f.MemoryType)},
	}
	for _, e := range eq {
		if e.val != "" {
			where = append(where, e.col+" = ?")
			args = append(args, e.val)
		}
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at < ?")
		args = append(args, f.Until)
	}
	if f.MinEmotionIntensity > 0 || f.MinResonance > 0 {
		where = append(where, "(emotion_intensity > ? OR resonance_score > ?)")
		args = append(args, thresholdOrMax(f.MinEmotionIntensity), thresholdOrMax(f.MinResonance))
	}
	if f.UsedOnly {
		where = append(where, "used_count > 0")
	}

	q := `SELECT ` + atomColumns + ` FROM atoms`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.UsedOnly {
		q += " ORDER BY used_count DESC, last_used DESC, rowid DESC"
	} else {
		q += " ORDER BY created_at DESC, rowid DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	q += " LIMIT ?"
	args = append(args, limit)

	return db.queryAtoms(ctx, true, q, args...)
}

// thresholdOrMax turns an unset bound into one nothing can exceed.
func thresholdOrMax(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
