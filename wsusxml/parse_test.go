package wsusxml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseSoftware(t *testing.T) {
	pkg, err := ParseUpdate(loadFixture(t, "software.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkg.Kind, ussync.KindSoftware; got != want {
		t.Errorf("kind: got %v, want %v", got, want)
	}
	if got, want := pkg.ID.OpenID(), "25bb4d08-7ee3-4a85-b019-6630b5e1e9ba|104"; got != want {
		t.Errorf("identity: got %q, want %q", got, want)
	}
	if got, want := pkg.Title, "2019-01 Security Only Quality Update for Windows 7"; got != want {
		t.Errorf("title: got %q, want %q", got, want)
	}
	if got, want := pkg.KBArticle, "4480960"; got != want {
		t.Errorf("kb article: got %q, want %q", got, want)
	}
	if pkg.Handler == nil || pkg.Handler.Type != ussync.HandlerCbs {
		t.Errorf("handler: got %+v, want Cbs", pkg.Handler)
	}

	if got, want := len(pkg.Prerequisites), 3; got != want {
		t.Fatalf("prerequisites: got %d, want %d", got, want)
	}
	if pkg.Prerequisites[0].Simple == nil {
		t.Error("prerequisite 0: expected Simple")
	}
	if g := pkg.Prerequisites[1].AtLeastOne; g == nil || !g.IsCategory || len(g.UpdateIDs) != 2 {
		t.Errorf("prerequisite 1: got %+v, want category group of 2", g)
	}
	if !pkg.Prerequisites[1].Category() {
		t.Error("prerequisite 1: Category() should be true")
	}
	if pkg.Prerequisites[2].Category() {
		t.Error("prerequisite 2: Category() should be false")
	}

	if got, want := len(pkg.BundledUpdates), 1; got != want {
		t.Fatalf("bundled: got %d, want %d", got, want)
	}
	if got, want := pkg.BundledUpdates[0].Revision, int32(201); got != want {
		t.Errorf("bundled revision: got %d, want %d", got, want)
	}
	if got, want := len(pkg.SupersededUpdates), 1; got != want {
		t.Fatalf("superseded: got %d, want %d", got, want)
	}

	if got, want := len(pkg.Files), 1; got != want {
		t.Fatalf("files: got %d, want %d", got, want)
	}
	f := pkg.Files[0]
	if got, want := f.Size, int64(240712814); got != want {
		t.Errorf("file size: got %d, want %d", got, want)
	}
	if got, want := len(f.Digests), 2; got != want {
		t.Fatalf("digests: got %d, want %d", got, want)
	}
	if got, want := f.Primary().Algorithm(), "sha1"; got != want {
		t.Errorf("primary digest: got %q, want %q", got, want)
	}

	if pkg.Applicability == nil {
		t.Fatal("expected applicability rules")
	}
	ref := uuid.MustParse("ab34b11f-3c00-46ed-b62f-a12ca7e2520b")
	found := false
	for _, id := range pkg.Applicability.ReferencedIDs {
		if id == ref {
			found = true
		}
	}
	if !found {
		t.Errorf("applicability refs %v missing %v", pkg.Applicability.ReferencedIDs, ref)
	}
}

func TestParseProductCategory(t *testing.T) {
	pkg, err := ParseUpdate(loadFixture(t, "product.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkg.Kind, ussync.KindProduct; got != want {
		t.Errorf("kind: got %v, want %v", got, want)
	}
	if !pkg.Kind.IsCategory() {
		t.Error("product kind should be a category")
	}
	// Group with a trailing nil UUID is a category by positional convention
	// even without the attribute.
	if len(pkg.Prerequisites) != 1 || !pkg.Prerequisites[0].Category() {
		t.Errorf("positional category convention not honored: %+v", pkg.Prerequisites)
	}
}

func TestParseDriver(t *testing.T) {
	pkg, err := ParseUpdate(loadFixture(t, "driver.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkg.Kind, ussync.KindDriver; got != want {
		t.Errorf("kind: got %v, want %v", got, want)
	}
	if got, want := len(pkg.Driver), 1; got != want {
		t.Fatalf("driver blocks: got %d, want %d", got, want)
	}
	dm := pkg.Driver[0]
	if dm.HardwareID == "" {
		t.Error("hardware id empty")
	}
	if got, want := len(dm.FeatureScores), 1; got != want {
		t.Fatalf("feature scores: got %d, want %d", got, want)
	}
	if got, want := dm.FeatureScores[0].Score, uint8(0xE0); got != want {
		t.Errorf("feature score: got %#x, want %#x", got, want)
	}
	if got, want := len(dm.DistributionComputerHardwareIDs), 1; got != want {
		t.Errorf("distribution CHIDs: got %d, want %d", got, want)
	}
	if got, want := dm.DriverVerVersion, "1.51.139.0"; got != want {
		t.Errorf("driver version: got %q, want %q", got, want)
	}
}

func TestApplicabilityRefsDeduped(t *testing.T) {
	// The same update referenced from more than one rule block appears once.
	in := `<Update>` +
		`<UpdateIdentity UpdateID="25bb4d08-7ee3-4a85-b019-6630b5e1e9ba" RevisionNumber="1"/>` +
		`<ApplicabilityRules>` +
		`<IsInstalled><u.UpdateInstalled UpdateID="ab34b11f-3c00-46ed-b62f-a12ca7e2520b"/></IsInstalled>` +
		`<IsInstallable><u.UpdateInstalled UpdateID="ab34b11f-3c00-46ed-b62f-a12ca7e2520b"/></IsInstallable>` +
		`</ApplicabilityRules></Update>`
	pkg, err := ParseUpdate([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Applicability == nil {
		t.Fatal("expected applicability rules")
	}
	want := []uuid.UUID{uuid.MustParse("ab34b11f-3c00-46ed-b62f-a12ca7e2520b")}
	if got := pkg.Applicability.ReferencedIDs; len(got) != 1 || got[0] != want[0] {
		t.Errorf("referenced ids: got %v, want %v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	tt := []struct {
		name string
		in   string
		want any
	}{
		{
			name: "missing identity",
			in:   `<Update><Properties UpdateType="Software"/></Update>`,
			want: &ussync.ParseError{},
		},
		{
			name: "missing revision",
			in:   `<Update><UpdateIdentity UpdateID="25bb4d08-7ee3-4a85-b019-6630b5e1e9ba"/></Update>`,
			want: &ussync.ParseError{},
		},
		{
			name: "unknown handler",
			in: `<Update xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
				`<UpdateIdentity UpdateID="25bb4d08-7ee3-4a85-b019-6630b5e1e9ba" RevisionNumber="1"/>` +
				`<HandlerSpecificData xsi:type="exe:ExeInstallation"/></Update>`,
			want: &ussync.UnknownHandlerTypeError{},
		},
		{
			name: "stray prerequisite element",
			in: `<Update>` +
				`<UpdateIdentity UpdateID="25bb4d08-7ee3-4a85-b019-6630b5e1e9ba" RevisionNumber="1"/>` +
				`<Relationships><Prerequisites><Unexpected/></Prerequisites></Relationships></Update>`,
			want: &ussync.ParseError{},
		},
		{
			name: "driver without hardware id",
			in: `<Update>` +
				`<UpdateIdentity UpdateID="25bb4d08-7ee3-4a85-b019-6630b5e1e9ba" RevisionNumber="1"/>` +
				`<ApplicabilityRules><Metadata><WindowsDriverMetaData DriverVerVersion="1.0"/></Metadata></ApplicabilityRules></Update>`,
			want: &ussync.ParseError{},
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUpdate([]byte(tc.in))
			if err == nil {
				t.Fatal("expected error")
			}
			switch tc.want.(type) {
			case *ussync.ParseError:
				var pe *ussync.ParseError
				if !errors.As(err, &pe) {
					t.Errorf("got %T (%v), want ParseError", err, err)
				}
			case *ussync.UnknownHandlerTypeError:
				var he *ussync.UnknownHandlerTypeError
				if !errors.As(err, &he) {
					t.Errorf("got %T (%v), want UnknownHandlerTypeError", err, err)
				}
			}
		})
	}
}
