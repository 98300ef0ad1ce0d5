package store

import (
	"context"
	"errors"
	"testing"
)

func TestSetParentReplacesEdge(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := insertTestAtom(t, db, &MemoryAtom{UserText: "a"})
	b := insertTestAtom(t, db, &MemoryAtom{UserText: "b"})
	c := insertTestAtom(t, db, &MemoryAtom{UserText: "c", ParentID: a})

	if err := db.SetParent(ctx, c, b, nil); err != nil {
		t.Fatalf("SetParent: %v", err)
	}

	parent, found, err := db.ParentOf(ctx, c)
	if err != nil || !found {
		t.Fatalf("ParentOf: %v found=%v", err, found)
	}
	if parent != b {
		t.Errorf("parent = %s, want %s", parent, b)
	}

	kids, _ := db.Children(ctx, a)
	if len(kids) != 0 {
		t.Errorf("old parent still has children %v", kids)
	}
	kids, _ = db.Children(ctx, b)
	if len(kids) != 1 || kids[0] != c {
		t.Errorf("children of b = %v, want [%s]", kids, c)
	}
}

func TestSetParentMissingChild(t *testing.T) {
	db := testDB(t)
	err := db.SetParent(context.Background(), "missing", "whatever", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestParentOfUnknown(t *testing.T) {
	db := testDB(t)
	_, found, err := db.ParentOf(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ParentOf: %v", err)
	}
	if found {
		t.Error("expected found=false for unknown atom")
	}
}

func TestChildrenOrderedByCreation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	root := insertTestAtom(t, db, &MemoryAtom{UserText: "root"})
	late := insertTestAtom(t, db, &MemoryAtom{UserText: "late", ParentID: root, CreatedAt: 5000})
	early := insertTestAtom(t, db, &MemoryAtom{UserText: "early", ParentID: root, CreatedAt: 1000})

	kids, err := db.Children(ctx, root)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 2 || kids[0] != early || kids[1] != late {
		t.Errorf("children = %v, want [early late]", kids)
	}
}

func TestAddLinkSymmetric(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := insertTestAtom(t, db, &MemoryAtom{UserText: "a"})
	b := insertTestAtom(t, db, &MemoryAtom{UserText: "b"})
	if err := db.AddLink(ctx, a, b); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	// Idempotent.
	if err := db.AddLink(ctx, b, a); err != nil {
		t.Fatalf("AddLink reverse: %v", err)
	}

	ga, _ := db.GetAtom(ctx, a)
	gb, _ := db.GetAtom(ctx, b)
	if len(ga.LinkedIDs) != 1 || ga.LinkedIDs[0] != b {
		t.Errorf("a links = %v", ga.LinkedIDs)
	}
	if len(gb.LinkedIDs) != 1 || gb.LinkedIDs[0] != a {
		t.Errorf("b links = %v", gb.LinkedIDs)
	}
}
