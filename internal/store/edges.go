package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Edge kinds stored in atom_links.
const (
	EdgeParent = "parent"
	EdgeLink   = "link"
)

func insertEdge(ctx context.Context, tx *sql.Tx, from, to, kind string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO atom_links (parent_id, child_id, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, from, to, kind, at)
	if err != nil {
		return fmt.Errorf("insert %s edge: %w", kind, unavailable(err))
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ParentOf returns the parent id recorded on an atom. found is false when
// the atom itself does not exist; an empty parent means a root.
func (db *DB) ParentOf(ctx context.Context, id string) (parent string, found bool, err error) {
	return parentOf(ctx, db, id)
}

func parentOf(ctx context.Context, q querier, id string) (string, bool, error) {
	var p sql.NullString
	err := q.QueryRowContext(ctx, `SELECT parent_id FROM atoms WHERE id = ?`, id).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("parent of %s: %w", id, unavailable(err))
	}
	return p.String, true, nil
}

// GraphTx reads the parent graph from inside the transaction that is
// about to change it.
type GraphTx struct {
	tx *sql.Tx
}

// ParentOf is DB.ParentOf as seen by the transaction.
func (g GraphTx) ParentOf(ctx context.Context, id string) (string, bool, error) {
	return parentOf(ctx, g.tx, id)
}

// HasChildren reports whether any parent edge points at id.
func (g GraphTx) HasChildren(ctx context.Context, id string) (bool, error) {
	var n int
	err := g.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM atom_links WHERE parent_id = ? AND kind = 'parent'`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("children of %s: %w", id, unavailable(err))
	}
	return n > 0, nil
}

// SetParent re-points child at parent and replaces its parent edge. check,
// when set, runs first inside the same write transaction and can veto the
// edge; concurrent callers see each other's committed edges.
func (db *DB) SetParent(ctx context.Context, childID, parentID string, check func(GraphTx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set parent: %w", unavailable(err))
	}
	defer tx.Rollback()

	if check != nil {
		if err := check(GraphTx{tx: tx}); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE atoms SET parent_id = ? WHERE id = ?`, parentID, childID)
	if err != nil {
		return fmt.Errorf("set parent: %w", unavailable(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, childID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM atom_links WHERE child_id = ? AND kind = 'parent'`, childID); err != nil {
		return fmt.Errorf("clear parent edge: %w", unavailable(err))
	}
	if err := insertEdge(ctx, tx, parentID, childID, EdgeParent, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set parent: %w", unavailable(err))
	}
	return nil
}

// AddLink records a symmetric lateral link between two atoms.
func (db *DB) AddLink(ctx context.Context, a, b string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link: %w", unavailable(err))
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if err := insertEdge(ctx, tx, a, b, EdgeLink, now); err != nil {
		return err
	}
	if err := insertEdge(ctx, tx, b, a, EdgeLink, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link: %w", unavailable(err))
	}
	return nil
}

// Children returns the ids of atoms whose parent edge points at id,
// oldest first. Children that no longer exist are skipped.
func (db *DB) Children(ctx context.Context, id string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT l.child_id FROM atom_links l
		JOIN atoms a ON a.id = l.child_id
		WHERE l.parent_id = ? AND l.kind = 'parent'
		ORDER BY a.created_at, a.rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", id, unavailable(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		ids = append(ids, child)
	}
	return ids, rows.Err()
}
