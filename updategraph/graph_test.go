package updategraph

import (
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/quay/ussync"
	"github.com/quay/ussync/test"
)

func ids(pkgs ...*ussync.Package) func(func(*ussync.Package) bool) {
	return func(yield func(*ussync.Package) bool) {
		for _, p := range pkgs {
			if !yield(p) {
				return
			}
		}
	}
}

func TestGraphShape(t *testing.T) {
	aID := test.GenID(1, 100)
	bID := test.GenID(2, 100)
	cID := test.GenID(3, 100)
	xID := uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000001")

	a := (&test.Fragment{ID: aID, Title: "A"}).Package()
	b := (&test.Fragment{ID: bID, Title: "B", Simple: []uuid.UUID{aID.UpdateID}}).Package()
	c := (&test.Fragment{ID: cID, Title: "C", AnyOf: [][]uuid.UUID{{aID.UpdateID, xID}}}).Package()

	g := Build(ids(a, b, c))

	roots := g.Roots()
	if !slices.Contains(roots, aID.UpdateID) || !slices.Contains(roots, xID) {
		t.Errorf("roots: got %v, want {A, X}", roots)
	}
	if slices.Contains(roots, bID.UpdateID) || slices.Contains(roots, cID.UpdateID) {
		t.Errorf("roots: got %v, B and C should not be roots", roots)
	}
	leaves := g.Leaves()
	if !slices.Contains(leaves, bID.UpdateID) || !slices.Contains(leaves, cID.UpdateID) {
		t.Errorf("leaves: got %v, want {B, C}", leaves)
	}
	if slices.Contains(leaves, aID.UpdateID) {
		t.Errorf("leaves: got %v, A should not be a leaf", leaves)
	}

	if anc := g.Ancestors(bID.UpdateID); !slices.Contains(anc, aID.UpdateID) {
		t.Errorf("ancestors(B): got %v, want A", anc)
	}
	desc := g.Descendants(aID.UpdateID)
	if !slices.Contains(desc, bID.UpdateID) || !slices.Contains(desc, cID.UpdateID) {
		t.Errorf("descendants(A): got %v, want {B, C}", desc)
	}

	if !IsApplicable(b, []uuid.UUID{aID.UpdateID}) {
		t.Error("B should be applicable with A installed")
	}
	if IsApplicable(c, nil) {
		t.Error("C should not be applicable with nothing installed")
	}
	if !IsApplicable(c, []uuid.UUID{xID}) {
		t.Error("C should be applicable with X installed")
	}
}

func TestGraphLatestRevisionWins(t *testing.T) {
	id := test.GenID(7, 0)
	old := (&test.Fragment{ID: ussync.Identity{UpdateID: id.UpdateID, Revision: 1}, Title: "old"}).Package()
	cur := (&test.Fragment{ID: ussync.Identity{UpdateID: id.UpdateID, Revision: 2}, Title: "new", Simple: []uuid.UUID{test.GenID(8, 0).UpdateID}}).Package()

	g := Build(ids(old, cur))
	if got := g.pkgs[id.UpdateID]; got.ID.Revision != 2 {
		t.Errorf("got revision %d, want 2", got.ID.Revision)
	}
	if len(g.out[id.UpdateID]) != 1 {
		t.Error("edges should come from the newest revision")
	}
}

func TestResolveCategories(t *testing.T) {
	productID := test.GenID(100, 10).UpdateID
	classID := test.GenID(101, 10).UpdateID
	otherID := test.GenID(102, 10).UpdateID

	// Group without the IsCategory flag still resolves: membership metadata
	// is inconsistent about setting it.
	pkg := (&test.Fragment{
		ID:    test.GenID(1, 100),
		Title: "categorized",
		AnyOf: [][]uuid.UUID{{productID, classID, otherID}},
	}).Package()

	products := map[uuid.UUID]struct{}{productID: {}}
	classes := map[uuid.UUID]struct{}{classID: {}}
	gotP, gotC := ResolveCategories(pkg, products, classes)
	if len(gotP) != 1 || gotP[0] != productID {
		t.Errorf("products: got %v, want [%v]", gotP, productID)
	}
	if len(gotC) != 1 || gotC[0] != classID {
		t.Errorf("classifications: got %v, want [%v]", gotC, classID)
	}
}
