package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertResult reports what InsertAtom did.
type InsertResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
	Revived   bool   `json:"revived,omitempty"`
}

const atomColumns = `id, user_text, system_text, content_hash, memory_type, source,
	session_id, user_id, topic,
	emotion_label, emotion_intensity, resonance_score, recall_priority, reflex_tag,
	fade_score, fade_updated_at, used_count, last_used, tombstoned_at,
	parent_id, created_at`

// InsertAtom persists a new atom together with its tags, edges and vector.
// Identical content collapses onto the existing atom unless the atom is a
// file chunk; a tombstoned duplicate is revived instead of re-inserted.
func (db *DB) InsertAtom(ctx context.Context, a *MemoryAtom) (InsertResult, error) {
	if err := a.normalize(); err != nil {
		return InsertResult{}, err
	}

	now := time.Now().UnixMilli()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.FadeUpdatedAt == 0 {
		a.FadeUpdatedAt = a.CreatedAt
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin insert: %w", unavailable(err))
	}
	defer tx.Rollback()

	if a.MemoryType.Deduplicated() {
		var existingID string
		var tombstoned sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT id, tombstoned_at FROM atoms
			WHERE content_hash = ? AND memory_type != 'file_chunk'
		`, a.ContentHash).Scan(&existingID, &tombstoned)
		switch {
		case err == nil:
			res := InsertResult{ID: existingID, Duplicate: true}
			if tombstoned.Valid {
				if _, err := tx.ExecContext(ctx, `
					UPDATE atoms SET tombstoned_at = NULL, fade_score = 0, fade_updated_at = ?
					WHERE id = ?
				`, now, existingID); err != nil {
					return InsertResult{}, fmt.Errorf("revive atom: %w", unavailable(err))
				}
				res.Revived = true
			}
			if err := tx.Commit(); err != nil {
				return InsertResult{}, fmt.Errorf("commit dedup: %w", unavailable(err))
			}
			return res, nil
		case !errors.Is(err, sql.ErrNoRows):
			return InsertResult{}, fmt.Errorf("check duplicate: %w", unavailable(err))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO atoms (`+atomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, ''), ?)
	`, a.ID, a.UserText, a.SystemText, a.ContentHash, string(a.MemoryType), a.Source,
		a.SessionID, a.UserID, a.Topic,
		a.EmotionLabel, a.EmotionIntensity, a.ResonanceScore, a.RecallPriority, boolInt(a.ReflexTag),
		a.FadeScore, a.FadeUpdatedAt, a.UsedCount, a.LastUsed, a.TombstonedAt,
		a.ParentID, a.CreatedAt)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert atom: %w", unavailable(err))
	}

	for _, tag := range a.Keywords {
		if err := insertTag(ctx, tx, a.ID, tag, "keyword"); err != nil {
			return InsertResult{}, err
		}
	}
	for _, tag := range a.BeliefTags {
		if err := insertTag(ctx, tx, a.ID, tag, "belief"); err != nil {
			return InsertResult{}, err
		}
	}
	if a.ParentID != "" {
		if err := insertEdge(ctx, tx, a.ParentID, a.ID, EdgeParent, now); err != nil {
			return InsertResult{}, err
		}
	}
	for _, other := range a.LinkedIDs {
		if err := insertEdge(ctx, tx, a.ID, other, EdgeLink, now); err != nil {
			return InsertResult{}, err
		}
		if err := insertEdge(ctx, tx, other, a.ID, EdgeLink, now); err != nil {
			return InsertResult{}, err
		}
	}
	if len(a.Embedding) > 0 {
		if err := saveVector(ctx, tx, a.ID, a.Embedding, a.EmbeddingModel); err != nil {
			return InsertResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit insert: %w", unavailable(err))
	}
	return InsertResult{ID: a.ID}, nil
}

func insertTag(ctx context.Context, tx *sql.Tx, atomID, tag, kind string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO atom_tags (atom_id, tag, kind) VALUES (?, ?, ?)`,
		atomID, tag, kind)
	if err != nil {
		return fmt.Errorf("insert %s tag: %w", kind, unavailable(err))
	}
	return nil
}

// GetAtom returns the atom with the given id, tombstoned or not.
func (db *DB) GetAtom(ctx context.Context, id string) (*MemoryAtom, error) {
	atoms, err := db.queryAtoms(ctx, true, `SELECT `+atomColumns+` FROM atoms WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(atoms) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &atoms[0], nil
}

// FindByHash returns the deduplicated atom carrying the given content hash.
func (db *DB) FindByHash(ctx context.Context, hash string) (*MemoryAtom, error) {
	atoms, err := db.queryAtoms(ctx, true, `SELECT `+atomColumns+` FROM atoms
		WHERE content_hash = ? AND memory_type != 'file_chunk'`, hash)
	if err != nil {
		return nil, err
	}
	if len(atoms) == 0 {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	return &atoms[0], nil
}

// GetAtoms returns the atoms for ids in the order given, skipping unknown ids.
func (db *DB) GetAtoms(ctx context.Context, ids []string) ([]MemoryAtom, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	atoms, err := db.queryAtoms(ctx, true,
		`SELECT `+atomColumns+` FROM atoms WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]MemoryAtom, len(atoms))
	for _, a := range atoms {
		byID[a.ID] = a
	}
	ordered := make([]MemoryAtom, 0, len(atoms))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			ordered = append(ordered, a)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// AllLive returns every atom that has not been tombstoned, without vectors.
func (db *DB) AllLive(ctx context.Context) ([]MemoryAtom, error) {
	return db.queryAtoms(ctx, false,
		`SELECT `+atomColumns+` FROM atoms WHERE tombstoned_at IS NULL ORDER BY created_at, rowid`)
}

// CountAtoms returns the number of atoms, optionally including tombstones.
func (db *DB) CountAtoms(ctx context.Context, includeTombstoned bool) (int, error) {
	q := `SELECT COUNT(*) FROM atoms WHERE tombstoned_at IS NULL`
	if includeTombstoned {
		q = `SELECT COUNT(*) FROM atoms`
	}
	var n int
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count atoms: %w", unavailable(err))
	}
	return n, nil
}

// Tombstone excludes an atom from recall. The record stays readable by id.
func (db *DB) Tombstone(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE atoms SET tombstoned_at = ? WHERE id = ? AND tombstoned_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("tombstone: %w", unavailable(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return db.mustExist(ctx, id)
}

// MarkUsed records a recall hit and writes the reinforced fade score.
func (db *DB) MarkUsed(ctx context.Context, id string, fade float64) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE atoms
		SET used_count = used_count + 1, last_used = ?, fade_score = ?, fade_updated_at = ?
		WHERE id = ?
	`, now, clamp01(fade), now, id)
	if err != nil {
		return fmt.Errorf("mark used: %w", unavailable(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdateFade stores a new fade score computed at the given time.
func (db *DB) UpdateFade(ctx context.Context, id string, fade float64, at int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE atoms SET fade_score = ?, fade_updated_at = ? WHERE id = ?`,
		clamp01(fade), at, id)
	if err != nil {
		return fmt.Errorf("update fade: %w", unavailable(err))
	}
	return nil
}

func (db *DB) mustExist(ctx context.Context, id string) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM atoms WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check atom: %w", unavailable(err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// queryAtoms scans every row before hydrating relations, so no query runs
// while rows are still open on a single-connection pool.
func (db *DB) queryAtoms(ctx context.Context, withVectors bool, query string, args ...any) ([]MemoryAtom, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query atoms: %w", unavailable(err))
	}
	var atoms []MemoryAtom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		atoms = append(atoms, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate atoms: %w", unavailable(err))
	}
	rows.Close()

	if err := db.hydrate(ctx, atoms, withVectors); err != nil {
		return nil, err
	}
	return atoms, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAtom(s scanner) (MemoryAtom, error) {
	var a MemoryAtom
	var memType string
	var reflex int
	var lastUsed, tombstoned sql.NullInt64
	var parent sql.NullString
	err := s.Scan(&a.ID, &a.UserText, &a.SystemText, &a.ContentHash, &memType, &a.Source,
		&a.SessionID, &a.UserID, &a.Topic,
		&a.EmotionLabel, &a.EmotionIntensity, &a.ResonanceScore, &a.RecallPriority, &reflex,
		&a.FadeScore, &a.FadeUpdatedAt, &a.UsedCount, &lastUsed, &tombstoned,
		&parent, &a.CreatedAt)
	if err != nil {
		return a, fmt.Errorf("scan atom: %w", err)
	}
	a.MemoryType = MemoryType(memType)
	a.ReflexTag = reflex != 0
	a.LastUsed = lastUsed.Int64
	a.TombstonedAt = tombstoned.Int64
	a.ParentID = parent.String
	return a, nil
}

// hydrate attaches tags, lateral links and (optionally) vectors in bulk.
func (db *DB) hydrate(ctx context.Context, atoms []MemoryAtom, withVectors bool) error {
	if len(atoms) == 0 {
		return nil
	}
	index := make(map[string]int, len(atoms))
	ids := make([]string, len(atoms))
	for i, a := range atoms {
		index[a.ID] = i
		ids[i] = a.ID
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)

	rows, err := db.QueryContext(ctx,
		`SELECT atom_id, tag, kind FROM atom_tags WHERE atom_id IN (`+in+`) ORDER BY tag`, args...)
	if err != nil {
		return fmt.Errorf("load tags: %w", unavailable(err))
	}
	for rows.Next() {
		var id, tag, kind string
		if err := rows.Scan(&id, &tag, &kind); err != nil {
			rows.Close()
			return fmt.Errorf("scan tag: %w", err)
		}
		a := &atoms[index[id]]
		if kind == "belief" {
			a.BeliefTags = append(a.BeliefTags, tag)
		} else {
			a.Keywords = append(a.Keywords, tag)
		}
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT parent_id, child_id FROM atom_links
		WHERE kind = 'link' AND parent_id IN (`+in+`) ORDER BY child_id
	`, args...)
	if err != nil {
		return fmt.Errorf("load links: %w", unavailable(err))
	}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return fmt.Errorf("scan link: %w", err)
		}
		a := &atoms[index[from]]
		a.LinkedIDs = append(a.LinkedIDs, to)
	}
	rows.Close()

	if !withVectors {
		return nil
	}
	rows, err = db.QueryContext(ctx,
		`SELECT atom_id, embedding, model FROM atom_vectors WHERE atom_id IN (`+in+`)`, args...)
	if err != nil {
		return fmt.Errorf("load vectors: %w", unavailable(err))
	}
	defer rows.Close()
	for rows.Next() {
		var id, model string
		var blob []byte
		if err := rows.Scan(&id, &blob, &model); err != nil {
			return fmt.Errorf("scan vector: %w", err)
		}
		a := &atoms[index[id]]
		a.Embedding = decodeEmbedding(blob)
		a.EmbeddingModel = model
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
