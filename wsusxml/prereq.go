package wsusxml

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// PrerequisiteList decodes a Prerequisites element.
//
// The schema allows exactly two child kinds: UpdateIdentity (a Simple
// prerequisite) and AtLeastOne (a disjunction group). Any other element means
// the metadata uses a construct this implementation would misinterpret, so
// decoding fails instead.
type prerequisiteList struct {
	items []ussync.Prerequisite
}

var _ xml.Unmarshaler = (*prerequisiteList)(nil)

// UnmarshalXML implements xml.Unmarshaler.
func (l *prerequisiteList) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case isUpd(t.Name, "UpdateIdentity"):
				var w updateIdentity
				if err := d.DecodeElement(&w, &t); err != nil {
					return err
				}
				id, err := uuid.Parse(w.UpdateID)
				if err != nil {
					return &ussync.ParseError{XPath: "Prerequisites/UpdateIdentity/@UpdateID", Reason: err.Error()}
				}
				l.items = append(l.items, ussync.Prerequisite{
					Simple: &ussync.SimplePrerequisite{UpdateID: id},
				})
			case isUpd(t.Name, "AtLeastOne"):
				g, err := decodeAtLeastOne(d, t)
				if err != nil {
					return err
				}
				l.items = append(l.items, ussync.Prerequisite{AtLeastOne: g})
			default:
				return &ussync.ParseError{
					XPath:  "Prerequisites",
					Reason: fmt.Sprintf("unexpected element %q", t.Name.Local),
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

func decodeAtLeastOne(d *xml.Decoder, start xml.StartElement) (*ussync.AtLeastOneGroup, error) {
	var w struct {
		IsCategory string           `xml:"IsCategory,attr"`
		Identities []updateIdentity `xml:"UpdateIdentity"`
	}
	if err := d.DecodeElement(&w, &start); err != nil {
		return nil, err
	}
	g := ussync.AtLeastOneGroup{
		IsCategory: w.IsCategory == "true" || w.IsCategory == "1",
	}
	for _, i := range w.Identities {
		id, err := uuid.Parse(i.UpdateID)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "Prerequisites/AtLeastOne/UpdateIdentity/@UpdateID", Reason: err.Error()}
		}
		g.UpdateIDs = append(g.UpdateIDs, id)
	}
	return &g, nil
}
