package ussync

import "github.com/google/uuid"

// Prerequisite is one entry in a package's prerequisite list.
//
// Exactly one of the two variants is populated: a Simple prerequisite names a
// single identity that must hold, an AtLeastOne group is a disjunction over
// several. Groups flagged IsCategory encode the package's (product,
// classification) membership rather than an install-time requirement.
type Prerequisite struct {
	// Simple is set for a single-identity prerequisite.
	Simple *SimplePrerequisite `json:"simple,omitempty"`
	// AtLeastOne is set for a group prerequisite.
	AtLeastOne *AtLeastOneGroup `json:"at_least_one,omitempty"`
}

// SimplePrerequisite requires one identity to be installed or evaluate true.
type SimplePrerequisite struct {
	UpdateID uuid.UUID `json:"update_id"`
}

// AtLeastOneGroup is satisfied when any member is.
type AtLeastOneGroup struct {
	UpdateIDs  []uuid.UUID `json:"update_ids"`
	IsCategory bool        `json:"is_category,omitempty"`
}

// IDs flattens the prerequisite into the identities it mentions.
func (p *Prerequisite) IDs() []uuid.UUID {
	switch {
	case p.Simple != nil:
		return []uuid.UUID{p.Simple.UpdateID}
	case p.AtLeastOne != nil:
		return p.AtLeastOne.UpdateIDs
	}
	return nil
}

// Category reports whether this prerequisite encodes category membership.
//
// The explicit IsCategory attribute wins; absent that, a group whose final
// member is the nil UUID is treated as a category group by positional
// convention.
func (p *Prerequisite) Category() bool {
	g := p.AtLeastOne
	if g == nil {
		return false
	}
	if g.IsCategory {
		return true
	}
	if n := len(g.UpdateIDs); n > 0 && g.UpdateIDs[n-1] == uuid.Nil {
		return true
	}
	return false
}
