package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds an embedding for an atom.
type VectorRecord struct {
	AtomID     string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveVector(ctx context.Context, ex execer, atomID string, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO atom_vectors (atom_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(atom_id) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, atomID, blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", unavailable(err))
	}
	return nil
}

// SaveVector stores or replaces the embedding for an atom.
func (db *DB) SaveVector(ctx context.Context, atomID string, embedding []float64, model string) error {
	return saveVector(ctx, db, atomID, embedding, model)
}

// GetVector returns the embedding for an atom, or nil if not found.
func (db *DB) GetVector(ctx context.Context, atomID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT atom_id, embedding, model, dimensions, created_at
		FROM atom_vectors WHERE atom_id = ?
	`, atomID).Scan(&v.AtomID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", unavailable(err))
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// AllVectors returns the vectors of every live atom. This is the source
// the vector index is rebuilt from.
func (db *DB) AllVectors(ctx context.Context) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT v.atom_id, v.embedding, v.model, v.dimensions, v.created_at
		FROM atom_vectors v
		JOIN atoms a ON a.id = v.atom_id
		WHERE a.tombstoned_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", unavailable(err))
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.AtomID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// MissingVectors returns live atoms that have no vector or one produced
// by a different model.
func (db *DB) MissingVectors(ctx context.Context, model string) ([]MemoryAtom, error) {
	return db.queryAtoms(ctx, false, `
		SELECT `+atomColumns+` FROM atoms
		WHERE tombstoned_at IS NULL
		  AND id NOT IN (SELECT atom_id FROM atom_vectors WHERE model = ?)
		ORDER BY created_at, rowid
	`, model)
}
