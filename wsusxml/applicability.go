package wsusxml

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// ApplicabilityRules are stored opaquely: the core indexes update identities
// referenced inside but never evaluates the rule logic.
type applicabilityRules struct {
	IsInstalled   innerXML `xml:"IsInstalled"`
	IsInstallable innerXML `xml:"IsInstallable"`
	Metadata      innerXML `xml:"Metadata"`
}

type innerXML struct {
	Inner []byte `xml:",innerxml"`
}

func (r *applicabilityRules) into() (*ussync.Applicability, error) {
	app := ussync.Applicability{
		IsInstalled:   bytes.TrimSpace(r.IsInstalled.Inner),
		IsInstallable: bytes.TrimSpace(r.IsInstallable.Inner),
		Metadata:      bytes.TrimSpace(r.Metadata.Inner),
	}
	if len(app.IsInstalled) == 0 && len(app.IsInstallable) == 0 && len(app.Metadata) == 0 {
		return nil, nil
	}
	seen := make(map[uuid.UUID]struct{})
	for _, raw := range [][]byte{app.IsInstalled, app.IsInstallable, app.Metadata} {
		for _, id := range collectUpdateIDRefs(raw) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			app.ReferencedIDs = append(app.ReferencedIDs, id)
		}
	}
	return &app, nil
}
