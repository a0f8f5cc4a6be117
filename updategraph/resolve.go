package updategraph

import (
	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// ResolveCategories reports the (product, classification) membership of a
// package, resolved against the known category sets.
//
// Any AtLeastOne group whose members resolve to known products or
// classifications contributes, whether or not the group carries the
// IsCategory flag; published metadata is inconsistent about setting it, so
// requiring the flag loses real memberships.
func ResolveCategories(pkg *ussync.Package, products, classifications map[uuid.UUID]struct{}) (productIDs, classificationIDs []uuid.UUID) {
	seenP := make(map[uuid.UUID]struct{})
	seenC := make(map[uuid.UUID]struct{})
	for i := range pkg.Prerequisites {
		g := pkg.Prerequisites[i].AtLeastOne
		if g == nil {
			continue
		}
		for _, id := range g.UpdateIDs {
			if _, ok := products[id]; ok {
				if _, dup := seenP[id]; !dup {
					seenP[id] = struct{}{}
					productIDs = append(productIDs, id)
				}
				continue
			}
			if _, ok := classifications[id]; ok {
				if _, dup := seenC[id]; !dup {
					seenC[id] = struct{}{}
					classificationIDs = append(classificationIDs, id)
				}
			}
		}
	}
	return productIDs, classificationIDs
}

// Categories flattens ResolveCategories into the merged id list persisted on
// the package.
func Categories(pkg *ussync.Package, products, classifications map[uuid.UUID]struct{}) []uuid.UUID {
	p, c := ResolveCategories(pkg, products, classifications)
	return append(p, c...)
}
