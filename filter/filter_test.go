package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/quay/ussync"
	"github.com/quay/ussync/test"
)

func TestJSONRoundtrip(t *testing.T) {
	chid := uuid.MustParse("f042ad05-54e7-4fd5-bcdc-e0d2f9f0fb81")
	tt := []MetadataFilter{
		{},
		{Title: "Surface firmware", FirstX: 5},
		{
			IDs:                []uuid.UUID{uuid.MustParse("25bb4d08-7ee3-4a85-b019-6630b5e1e9ba")},
			Categories:         []uuid.UUID{uuid.MustParse("0fa1201d-4330-4fa8-8ae9-b877473b6441")},
			KBArticle:          "4480960",
			HardwareID:         `UEFI\RES_{39a54a04}`,
			ComputerHardwareID: &chid,
			SkipSuperseded:     true,
			FirstX:             10,
		},
	}
	for i := range tt {
		f := &tt[i]
		b, err := f.ToJSON()
		if err != nil {
			t.Fatal(err)
		}
		got, err := FromJSON(b)
		if err != nil {
			t.Fatal(err)
		}
		if !cmp.Equal(got, f) {
			t.Error(cmp.Diff(got, f))
		}
	}
}

func testSet() []*ussync.Package {
	catID := test.GenID(90, 1).UpdateID
	return []*ussync.Package{
		(&test.Fragment{ID: test.GenID(1, 100), Title: "Surface Pro Firmware Update", KB: "5001001", CategoryOf: []uuid.UUID{catID}}).Package(),
		(&test.Fragment{ID: test.GenID(2, 100), Title: "Surface dock firmware", KB: "5001002"}).Package(),
		(&test.Fragment{ID: test.GenID(3, 100), Title: "Cumulative Update for Windows", KB: "5001003"}).Package(),
		(&test.Fragment{ID: test.GenID(4, 100), Title: "Surface - Firmware", Driver: &test.FragmentDriver{
			HardwareID: `UEFI\RES_{39a54a04}`,
			CHID:       uuid.MustParse("f042ad05-54e7-4fd5-bcdc-e0d2f9f0fb81"),
		}}).Package(),
	}
}

func apply(f *MetadataFilter, pkgs []*ussync.Package, sup SupersededLookup) []*ussync.Package {
	var out []*ussync.Package
	seq := func(yield func(*ussync.Package) bool) {
		for _, p := range pkgs {
			if !yield(p) {
				return
			}
		}
	}
	for p := range f.Apply(seq, sup) {
		out = append(out, p)
	}
	return out
}

func TestTitleFilter(t *testing.T) {
	pkgs := testSet()
	f := MetadataFilter{Title: "Surface firmware", FirstX: 5}
	got := apply(&f, pkgs, nil)
	if len(got) == 0 || len(got) > 5 {
		t.Fatalf("got %d results", len(got))
	}
	for _, p := range got {
		lower := p.Title
		for _, tok := range []string{"surface", "firmware"} {
			if !containsFold(lower, tok) {
				t.Errorf("%q does not contain %q", p.Title, tok)
			}
		}
	}
}

func containsFold(s, sub string) bool {
	return matchTitle(s, sub)
}

func TestKindForcing(t *testing.T) {
	pkgs := testSet()
	f := MetadataFilter{KBArticle: "5001001"}
	got := apply(&f, pkgs, nil)
	if len(got) != 1 || got[0].Kind != ussync.KindSoftware {
		t.Fatalf("kb filter: got %d results", len(got))
	}

	f = MetadataFilter{HardwareID: `uefi\res_{39a54a04}`}
	got = apply(&f, pkgs, nil)
	if len(got) != 1 || got[0].Kind != ussync.KindDriver {
		t.Fatalf("hardware filter: got %d results", len(got))
	}

	chid := uuid.MustParse("f042ad05-54e7-4fd5-bcdc-e0d2f9f0fb81")
	f = MetadataFilter{ComputerHardwareID: &chid}
	got = apply(&f, pkgs, nil)
	if len(got) != 1 || got[0].Kind != ussync.KindDriver {
		t.Fatalf("chid filter: got %d results", len(got))
	}
}

func TestCategoryFilter(t *testing.T) {
	pkgs := testSet()
	f := MetadataFilter{Categories: []uuid.UUID{test.GenID(90, 1).UpdateID}}
	got := apply(&f, pkgs, nil)
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
}

func TestSkipSuperseded(t *testing.T) {
	pkgs := testSet()
	victim := pkgs[2].ID.UpdateID
	sup := func(id uuid.UUID) bool { return id == victim }

	f := MetadataFilter{SkipSuperseded: true}
	got := apply(&f, pkgs, sup)
	for _, p := range got {
		if p.ID.UpdateID == victim {
			t.Error("superseded update not excluded")
		}
	}
	if len(got) != len(pkgs)-1 {
		t.Errorf("got %d results, want %d", len(got), len(pkgs)-1)
	}
}

// Enabling more options must never enlarge the result set.
func TestMonotone(t *testing.T) {
	pkgs := testSet()
	base := MetadataFilter{Title: "Surface"}
	narrowed := MetadataFilter{Title: "Surface", KBArticle: "5001002"}
	a := apply(&base, pkgs, nil)
	b := apply(&narrowed, pkgs, nil)
	if len(b) > len(a) {
		t.Errorf("narrowed filter returned more results: %d > %d", len(b), len(a))
	}
	for _, p := range b {
		found := false
		for _, q := range a {
			if q.ID == p.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("narrowed result %v not in base result", p.ID)
		}
	}
}
