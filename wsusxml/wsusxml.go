// Package wsusxml parses update metadata XML fragments into the ussync
// package model.
//
// A fragment is the per-update XML returned by GetUpdateData (or stored as a
// raw metadata blob). Parsing is strict: mandatory attributes must be
// present, prerequisite lists may only contain the two known element kinds,
// and the handler type set is closed. Anything outside the expected shape is
// a ParseError rather than a silent skip, because derived indexes are only
// sound if every revision the upstream names is understood.
package wsusxml

// Namespaces used by update metadata. Element matching is done on local
// names scoped by these, except where the schema is known to move elements
// between revisions (driver metadata), which are matched on local name
// wherever they appear.
const (
	nsUpdate = "http://schemas.microsoft.com/msus/2002/12/Update"
	nsXSI    = "http://www.w3.org/2001/XMLSchema-instance"
)
