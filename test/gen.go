package test

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quay/ussync"
	"github.com/quay/ussync/wsusxml"
)

// Fragment describes a synthetic update for tests. XML renders it as a
// metadata fragment in the shape the upstream serves; Package parses that
// fragment through the real parser so tests exercise the same path
// production does.
type Fragment struct {
	ID         ussync.Identity
	Title      string
	KB         string
	Category   string // CategoryType; set for category fragments
	Simple     []uuid.UUID
	AnyOf      [][]uuid.UUID
	CategoryOf []uuid.UUID // rendered as an IsCategory AtLeastOne group
	Superseded []uuid.UUID
	Bundled    []ussync.Identity
	Files      []FragmentFile
	Driver     *FragmentDriver
}

// FragmentFile is a file entry; the digest is computed from Content.
type FragmentFile struct {
	Name    string
	Content []byte
	// MUURL, when set, is rendered as the file's Microsoft Update CDN URL.
	MUURL string
}

// Digest reports the file's primary digest.
func (f *FragmentFile) Digest() ussync.Digest {
	sum := sha1.Sum(f.Content)
	d, err := ussync.NewDigest("sha1", sum[:])
	if err != nil {
		panic(err)
	}
	return d
}

// FragmentDriver adds a driver-metadata block.
type FragmentDriver struct {
	HardwareID string
	CHID       uuid.UUID
}

// XML renders the fragment.
func (f *Fragment) XML() string {
	var b strings.Builder
	b.WriteString(`<upd:Update xmlns:upd="http://schemas.microsoft.com/msus/2002/12/Update" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:cbs="http://schemas.microsoft.com/msus/2002/12/UpdateHandlers/Cbs" xmlns:cat="http://schemas.microsoft.com/msus/2002/12/UpdateHandlers/Category" xmlns:drv="http://schemas.microsoft.com/msus/2002/12/UpdateHandlers/WindowsDriver">`)
	fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s" RevisionNumber="%d"/>`, f.ID.UpdateID, f.ID.Revision)
	updateType := "Software"
	switch {
	case f.Category != "":
		updateType = "Category"
	case f.Driver != nil:
		updateType = "Driver"
	}
	fmt.Fprintf(&b, `<upd:Properties UpdateType="%s" DefaultPropertiesLanguage="en" CreationDate="2023-03-14T09:26:53">`, updateType)
	if f.KB != "" {
		fmt.Fprintf(&b, `<upd:KBArticleID>%s</upd:KBArticleID>`, f.KB)
	}
	b.WriteString(`</upd:Properties>`)
	fmt.Fprintf(&b, `<upd:LocalizedPropertiesCollection><upd:LocalizedProperties><upd:Language>en</upd:Language><upd:Title>%s</upd:Title><upd:Description>%s</upd:Description></upd:LocalizedProperties></upd:LocalizedPropertiesCollection>`, f.Title, f.Title)

	b.WriteString(`<upd:Relationships>`)
	if len(f.Simple) > 0 || len(f.AnyOf) > 0 || len(f.CategoryOf) > 0 {
		b.WriteString(`<upd:Prerequisites>`)
		for _, id := range f.Simple {
			fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s"/>`, id)
		}
		for _, grp := range f.AnyOf {
			b.WriteString(`<upd:AtLeastOne>`)
			for _, id := range grp {
				fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s"/>`, id)
			}
			b.WriteString(`</upd:AtLeastOne>`)
		}
		if len(f.CategoryOf) > 0 {
			b.WriteString(`<upd:AtLeastOne IsCategory="true">`)
			for _, id := range f.CategoryOf {
				fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s"/>`, id)
			}
			b.WriteString(`</upd:AtLeastOne>`)
		}
		b.WriteString(`</upd:Prerequisites>`)
	}
	if len(f.Bundled) > 0 {
		b.WriteString(`<upd:BundledUpdates>`)
		for _, id := range f.Bundled {
			fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s" RevisionNumber="%d"/>`, id.UpdateID, id.Revision)
		}
		b.WriteString(`</upd:BundledUpdates>`)
	}
	if len(f.Superseded) > 0 {
		b.WriteString(`<upd:SupersededUpdates>`)
		for _, id := range f.Superseded {
			fmt.Fprintf(&b, `<upd:UpdateIdentity UpdateID="%s"/>`, id)
		}
		b.WriteString(`</upd:SupersededUpdates>`)
	}
	b.WriteString(`</upd:Relationships>`)

	if f.Driver != nil {
		fmt.Fprintf(&b, `<upd:ApplicabilityRules><upd:Metadata><drv:WindowsDriverMetaData HardwareID="%s" DriverVerVersion="1.0.0.0"><drv:DistributionComputerHardwareId>%s</drv:DistributionComputerHardwareId></drv:WindowsDriverMetaData></upd:Metadata></upd:ApplicabilityRules>`,
			f.Driver.HardwareID, f.Driver.CHID)
	}
	if len(f.Files) > 0 {
		b.WriteString(`<upd:Files>`)
		for i := range f.Files {
			ff := &f.Files[i]
			sum := sha1.Sum(ff.Content)
			mu := ""
			if ff.MUURL != "" {
				mu = fmt.Sprintf(` MUUrl="%s"`, ff.MUURL)
			}
			fmt.Fprintf(&b, `<upd:File FileName="%s" Size="%d" Digest="%s" DigestAlgorithm="SHA1"%s/>`,
				ff.Name, len(ff.Content), base64.StdEncoding.EncodeToString(sum[:]), mu)
		}
		b.WriteString(`</upd:Files>`)
	}

	switch {
	case f.Category != "":
		fmt.Fprintf(&b, `<upd:HandlerSpecificData xsi:type="cat:Category"><cat:CategoryInformation CategoryType="%s"/></upd:HandlerSpecificData>`, f.Category)
	default:
		b.WriteString(`<upd:HandlerSpecificData xsi:type="cbs:Cbs"><cbs:CbsData/></upd:HandlerSpecificData>`)
	}
	b.WriteString(`</upd:Update>`)
	return b.String()
}

// Package parses the rendered fragment.
func (f *Fragment) Package() *ussync.Package {
	pkg, err := wsusxml.ParseUpdate([]byte(f.XML()))
	if err != nil {
		panic(fmt.Sprintf("test: fragment does not parse: %v", err))
	}
	return pkg
}

// GenID makes a deterministic identity from a seed.
func GenID(seed int, rev int32) ussync.Identity {
	var u uuid.UUID
	copy(u[:], fmt.Sprintf("ussync-test-%04d", seed))
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return ussync.Identity{UpdateID: u, Revision: rev}
}

// GenSoftware produces n distinct parsed software updates.
func GenSoftware(n int) []*ussync.Package {
	out := make([]*ussync.Package, 0, n)
	for i := 0; i < n; i++ {
		f := Fragment{
			ID:    GenID(i, 100),
			Title: fmt.Sprintf("Test Update %d", i),
			KB:    fmt.Sprintf("50%05d", i),
		}
		out = append(out, f.Package())
	}
	return out
}
