// Package filter implements declarative predicates over update metadata.
package filter

import (
	"encoding/json"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// MetadataFilter selects packages. All set options must hold (conjunctive
// semantics); the zero value selects everything. Filters serialize to JSON
// and round-trip stably, so they can be persisted in store manifests and
// passed as host configuration.
type MetadataFilter struct {
	// IDs restricts to these update ids.
	IDs []uuid.UUID `json:"idFilter,omitempty"`
	// Categories selects packages whose AtLeastOne prerequisites intersect
	// the given ids.
	Categories []uuid.UUID `json:"categoryFilter,omitempty"`
	// Title is whitespace-tokenized; every token must occur in the title,
	// case-insensitively.
	Title string `json:"titleFilter,omitempty"`
	// KBArticle matches exactly and forces the software kind.
	KBArticle string `json:"kbArticleFilter,omitempty"`
	// HardwareID matches driver hardware ids case-insensitively and forces
	// the driver kind.
	HardwareID string `json:"hardwareIdFilter,omitempty"`
	// ComputerHardwareID must appear in a driver block's distribution list.
	ComputerHardwareID *uuid.UUID `json:"computerHardwareIdFilter,omitempty"`
	// SkipSuperseded excludes software updates that something supersedes.
	SkipSuperseded bool `json:"skipSuperseded,omitempty"`
	// FirstX caps the result size; zero means unlimited.
	FirstX int `json:"firstX,omitempty"`
}

// FromJSON decodes a filter.
func FromJSON(b []byte) (*MetadataFilter, error) {
	var f MetadataFilter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ToJSON encodes the filter.
func (f *MetadataFilter) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// Empty reports whether the filter selects everything.
func (f *MetadataFilter) Empty() bool {
	return f == nil || (len(f.IDs) == 0 && len(f.Categories) == 0 && f.Title == "" &&
		f.KBArticle == "" && f.HardwareID == "" && f.ComputerHardwareID == nil &&
		!f.SkipSuperseded && f.FirstX == 0)
}

// SupersededLookup reports whether anything supersedes the given update id.
// Stores provide this from their reverse-supersedence index.
type SupersededLookup func(uuid.UUID) bool

// Match evaluates the filter against one package. Predicates run cheapest
// and most selective first: identity and kind-forcing checks before string
// scans. FirstX is not Match's concern; see Apply.
func (f *MetadataFilter) Match(pkg *ussync.Package, superseded SupersededLookup) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 {
		hit := false
		for _, id := range f.IDs {
			if id == pkg.ID.UpdateID {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.KBArticle != "" {
		if pkg.Kind != ussync.KindSoftware || pkg.KBArticle != f.KBArticle {
			return false
		}
	}
	if f.HardwareID != "" || f.ComputerHardwareID != nil {
		if pkg.Kind != ussync.KindDriver {
			return false
		}
	}
	if f.HardwareID != "" && !matchHardwareID(pkg, f.HardwareID) {
		return false
	}
	if f.ComputerHardwareID != nil && !matchCHID(pkg, *f.ComputerHardwareID) {
		return false
	}
	if len(f.Categories) > 0 && !matchCategories(pkg, f.Categories) {
		return false
	}
	if f.SkipSuperseded && pkg.Kind == ussync.KindSoftware &&
		superseded != nil && superseded(pkg.ID.UpdateID) {
		return false
	}
	if f.Title != "" && !matchTitle(pkg.Title, f.Title) {
		return false
	}
	return true
}

// Apply filters a package sequence, honoring FirstX.
func (f *MetadataFilter) Apply(seq iter.Seq[*ussync.Package], superseded SupersededLookup) iter.Seq[*ussync.Package] {
	return func(yield func(*ussync.Package) bool) {
		n := 0
		for pkg := range seq {
			if !f.Match(pkg, superseded) {
				continue
			}
			if !yield(pkg) {
				return
			}
			n++
			if f != nil && f.FirstX > 0 && n >= f.FirstX {
				return
			}
		}
	}
}

func matchTitle(title, want string) bool {
	title = strings.ToLower(title)
	for _, tok := range strings.Fields(strings.ToLower(want)) {
		if !strings.Contains(title, tok) {
			return false
		}
	}
	return true
}

func matchHardwareID(pkg *ussync.Package, want string) bool {
	for i := range pkg.Driver {
		if strings.EqualFold(pkg.Driver[i].HardwareID, want) {
			return true
		}
	}
	return false
}

func matchCHID(pkg *ussync.Package, want uuid.UUID) bool {
	for i := range pkg.Driver {
		for _, id := range pkg.Driver[i].DistributionComputerHardwareIDs {
			if id == want {
				return true
			}
		}
	}
	return false
}

func matchCategories(pkg *ussync.Package, want []uuid.UUID) bool {
	wanted := make(map[uuid.UUID]struct{}, len(want))
	for _, id := range want {
		wanted[id] = struct{}{}
	}
	for i := range pkg.Prerequisites {
		g := pkg.Prerequisites[i].AtLeastOne
		if g == nil {
			continue
		}
		for _, id := range g.UpdateIDs {
			if _, ok := wanted[id]; ok {
				return true
			}
		}
	}
	// Fall back to derived membership for packages already cross-linked.
	for _, id := range pkg.Categories {
		if _, ok := wanted[id]; ok {
			return true
		}
	}
	return false
}
