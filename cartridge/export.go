// Package cartridge exports a filtered slice of a store as a cabinet the
// legacy offline-import tooling consumes.
package cartridge

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/contentstore"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/store"
)

// SchemaVersion is the cartridge manifest schema served.
const SchemaVersion = "1.0"

// Manifest is the cartridge's root XML document. Every metadata and content
// member in the cabinet is declared here; importers read it first and fetch
// members by name.
type Manifest struct {
	XMLName       xml.Name         `xml:"Cartridge"`
	SchemaVersion string           `xml:"SchemaVersion,attr"`
	CreationDate  string           `xml:"CreationDate,attr"`
	Updates       []manifestUpdate `xml:"Updates>Update"`
	Content       []manifestFile   `xml:"Content>File"`
}

type manifestUpdate struct {
	OpenID   string `xml:"OpenId,attr"`
	Metadata string `xml:"Metadata,attr"`
}

type manifestFile struct {
	Digest string `xml:"Digest,attr"`
	Name   string `xml:"Name,attr"`
	Size   int64  `xml:"Size,attr"`
}

// Export writes the packages matching f, their metadata closure and their
// available content as a cabinet.
//
// The exported id set is closed: bundled updates are pulled in at their
// pinned revisions and prerequisite references at their latest stored
// revision, transitively, so the cartridge never references metadata it
// does not carry. Content files missing from the content store are exported
// as metadata only.
func Export(ctx context.Context, st *store.Store, content *contentstore.Store, f *filter.MetadataFilter, w io.Writer) error {
	ctx = zlog.ContextWithValues(ctx, "component", "cartridge/Export")

	ids, err := closure(ctx, st, f)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("cartridge: filter selects nothing")
	}

	cab := newCabWriter(w)
	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		CreationDate:  time.Now().UTC().Format(time.RFC3339),
	}

	seenContent := make(map[string]struct{})
	withContent := 0
	for _, id := range ids {
		raw, err := st.RawMetadata(id)
		if err != nil {
			return err
		}
		member := "metadata/" + id.OpenID() + ".xml"
		if err := cab.Add(member, raw); err != nil {
			return err
		}
		manifest.Updates = append(manifest.Updates, manifestUpdate{
			OpenID:   id.OpenID(),
			Metadata: member,
		})

		files, err := st.Files(ctx, id)
		if err != nil {
			return err
		}
		for i := range files {
			file := &files[i]
			if len(file.Digests) == 0 {
				continue
			}
			d := file.Primary()
			if _, dup := seenContent[d.String()]; dup {
				continue
			}
			seenContent[d.String()] = struct{}{}
			if content == nil || !content.Contains(d) {
				continue
			}
			rc, err := content.Open(d)
			if err != nil {
				return err
			}
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return err
			}
			name := contentMember(d, file.Name)
			if err := cab.Add(name, b); err != nil {
				return err
			}
			manifest.Content = append(manifest.Content, manifestFile{
				Digest: d.String(),
				Name:   name,
				Size:   int64(len(b)),
			})
			withContent++
		}
	}

	mb, err := xml.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := cab.Add("cartridge.xml", append([]byte(xml.Header), mb...)); err != nil {
		return err
	}
	if err := cab.Close(); err != nil {
		return err
	}
	zlog.Info(ctx).
		Int("updates", len(ids)).
		Int("content_files", withContent).
		Msg("exported cartridge")
	return nil
}

// Closure expands the filter's selection to a closed id set.
func closure(ctx context.Context, st *store.Store, f *filter.MetadataFilter) ([]ussync.Identity, error) {
	selected := make(map[ussync.Identity]struct{})
	var queue []ussync.Identity
	for _, id := range st.LatestIdentities() {
		pkg, err := st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !f.Match(pkg, st.IsSuperseded) {
			continue
		}
		selected[id] = struct{}{}
		queue = append(queue, id)
	}

	enqueue := func(id ussync.Identity) {
		if _, dup := selected[id]; dup {
			return
		}
		selected[id] = struct{}{}
		queue = append(queue, id)
	}
	resolve := func(u uuid.UUID) (ussync.Identity, bool) {
		if u == uuid.Nil {
			return ussync.Identity{}, false
		}
		return st.Latest(u)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		pkg, err := st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// Bundles pin exact revisions.
		for _, b := range pkg.BundledUpdates {
			if st.Contains(b) {
				enqueue(b)
			} else if latest, ok := st.Latest(b.UpdateID); ok {
				enqueue(latest)
			}
		}
		// Prerequisite references resolve to the latest stored revision.
		for i := range pkg.Prerequisites {
			for _, u := range pkg.Prerequisites[i].IDs() {
				if latest, ok := resolve(u); ok {
					enqueue(latest)
				}
			}
		}
	}

	out := make([]ussync.Identity, 0, len(selected))
	for id := range selected {
		out = append(out, id)
	}
	ussync.SortIdentities(out)
	return out, nil
}

// ContentMember fans content into the two-hex-digit directories the legacy
// layout uses, keyed by the digest's trailing byte.
func contentMember(d ussync.Digest, name string) string {
	sum := d.Checksum()
	return "content/" + fmt.Sprintf("%02X", sum[len(sum)-1]) + "/" + sanitize(name)
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}
