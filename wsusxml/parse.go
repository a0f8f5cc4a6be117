package wsusxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// ParseUpdate parses one update XML fragment into a Package.
//
// The returned Package retains the fragment in its Raw field. The Categories
// field is left empty; category membership is derived during cross-linking,
// not parsing.
func ParseUpdate(raw []byte) (*ussync.Package, error) {
	var u update
	if err := xml.Unmarshal(raw, &u); err != nil {
		return nil, &ussync.ParseError{XPath: "/Update", Reason: err.Error()}
	}

	pkg := ussync.Package{Raw: raw}
	// The revision is part of the update's identity; only nested identity
	// references (prerequisites, superseded updates) may omit it.
	if u.Identity.RevisionNumber == "" {
		return nil, &ussync.ParseError{XPath: "UpdateIdentity/@RevisionNumber", Reason: "missing"}
	}
	if err := u.Identity.into(&pkg.ID); err != nil {
		return nil, err
	}

	if u.Properties != nil {
		pkg.KBArticle = strings.TrimSpace(u.Properties.KBArticleID)
		pkg.SupportURL = strings.TrimSpace(u.Properties.SupportURL)
		pkg.OSUpgrade = parseOSUpgrade(u.Properties.OSUpgrade)
		if u.Properties.CreationDate != "" {
			ts, err := parseTime(u.Properties.CreationDate)
			if err != nil {
				return nil, &ussync.ParseError{XPath: "/Update/Properties/@CreationDate", Reason: err.Error()}
			}
			pkg.CreationDate = ts
		}
	}
	lang := ""
	if u.Properties != nil {
		lang = u.Properties.DefaultLanguage
	}
	pkg.Title, pkg.Description = u.Localized.pick(lang)

	if u.Relationships != nil {
		pkg.Prerequisites = u.Relationships.Prerequisites.items
		for _, bi := range u.Relationships.BundledUpdates.Identities {
			var id ussync.Identity
			if err := bi.into(&id); err != nil {
				return nil, err
			}
			pkg.BundledUpdates = append(pkg.BundledUpdates, id)
		}
		for _, si := range u.Relationships.SupersededUpdates.Identities {
			id, err := uuid.Parse(si.UpdateID)
			if err != nil {
				return nil, &ussync.ParseError{XPath: "/Update/Relationships/SupersededUpdates", Reason: err.Error()}
			}
			pkg.SupersededUpdates = append(pkg.SupersededUpdates, id)
		}
	}

	if u.Rules != nil {
		app, err := u.Rules.into()
		if err != nil {
			return nil, err
		}
		pkg.Applicability = app
	}

	if u.Files != nil {
		for i := range u.Files.File {
			f, err := u.Files.File[i].into()
			if err != nil {
				return nil, err
			}
			pkg.Files = append(pkg.Files, *f)
		}
	}

	var catType string
	if u.Handler != nil {
		h, ct, err := u.Handler.into()
		if err != nil {
			return nil, err
		}
		pkg.Handler = h
		catType = ct
	}

	drv, err := collectDriverMetadata(raw)
	if err != nil {
		return nil, err
	}
	pkg.Driver = drv

	updateType := ""
	if u.Properties != nil {
		updateType = u.Properties.UpdateType
	}
	kind, err := classify(pkg.Handler, catType, updateType, len(drv) > 0)
	if err != nil {
		return nil, err
	}
	pkg.Kind = kind

	return &pkg, nil
}

// Update is the top-level wire shape of a metadata fragment.
type update struct {
	XMLName       xml.Name
	Identity      updateIdentity      `xml:"UpdateIdentity"`
	Properties    *properties         `xml:"Properties"`
	Localized     localizedCollection `xml:"LocalizedPropertiesCollection"`
	Relationships *relationships      `xml:"Relationships"`
	Rules         *applicabilityRules `xml:"ApplicabilityRules"`
	Files         *fileList           `xml:"Files"`
	Handler       *handlerData        `xml:"HandlerSpecificData"`
}

type updateIdentity struct {
	UpdateID       string `xml:"UpdateID,attr"`
	RevisionNumber string `xml:"RevisionNumber,attr"`
}

func (w *updateIdentity) into(id *ussync.Identity) error {
	if w.UpdateID == "" {
		return &ussync.ParseError{XPath: "UpdateIdentity/@UpdateID", Reason: "missing"}
	}
	u, err := uuid.Parse(w.UpdateID)
	if err != nil {
		return &ussync.ParseError{XPath: "UpdateIdentity/@UpdateID", Reason: err.Error()}
	}
	id.UpdateID = u
	if w.RevisionNumber != "" {
		rev, err := strconv.ParseInt(w.RevisionNumber, 10, 32)
		if err != nil {
			return &ussync.ParseError{XPath: "UpdateIdentity/@RevisionNumber", Reason: err.Error()}
		}
		id.Revision = int32(rev)
	}
	return nil
}

type properties struct {
	UpdateType      string `xml:"UpdateType,attr"`
	CreationDate    string `xml:"CreationDate,attr"`
	OSUpgrade       string `xml:"OSUpgrade,attr"`
	DefaultLanguage string `xml:"DefaultPropertiesLanguage,attr"`
	KBArticleID     string `xml:"KBArticleID"`
	SupportURL      string `xml:"SupportUrl"`
}

type localizedCollection struct {
	Props []localizedProperties `xml:"LocalizedProperties"`
}

type localizedProperties struct {
	Language    string `xml:"Language"`
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
}

// Pick returns the title and description in the default language, falling
// back to the first localization present.
func (c *localizedCollection) pick(lang string) (title, desc string) {
	for i := range c.Props {
		p := &c.Props[i]
		if lang != "" && strings.EqualFold(p.Language, lang) {
			return p.Title, p.Description
		}
	}
	if len(c.Props) > 0 {
		return c.Props[0].Title, c.Props[0].Description
	}
	return "", ""
}

type relationships struct {
	Prerequisites     prerequisiteList `xml:"Prerequisites"`
	BundledUpdates    identityList     `xml:"BundledUpdates"`
	SupersededUpdates identityList     `xml:"SupersededUpdates"`
}

type identityList struct {
	Identities []updateIdentity `xml:"UpdateIdentity"`
}

func parseOSUpgrade(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false":
		return false
	}
	return true
}

var timeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
}

func parseTime(v string) (time.Time, error) {
	for _, f := range timeFormats {
		if ts, err := time.Parse(f, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// IsUpd reports whether the name is the given local name in the update
// namespace. Unqualified names are accepted as well: raw blobs round-tripped
// through older stores have the default namespace stripped.
func isUpd(n xml.Name, local string) bool {
	return n.Local == local && (n.Space == nsUpdate || n.Space == "")
}

// CollectUpdateIDRefs scans a sub-tree for UpdateID attributes and chardata
// GUIDs held in UpdateIdentity-like elements. Used to index update
// references inside otherwise-opaque rule XML.
func collectUpdateIDRefs(raw []byte) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Local != "UpdateID" {
				continue
			}
			id, err := uuid.Parse(a.Value)
			if err != nil {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
}
