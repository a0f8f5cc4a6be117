package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quay/ussync"
)

// IndexVersion tags the index blob format. Reindex after bumping.
const indexVersion = 1

// Index names, also the blob filenames under indexes/.
const (
	idxTitles         = "titles"
	idxDescriptions   = "descriptions"
	idxCreationDates  = "creationDates"
	idxKBArticle      = "kbArticle"
	idxIsSupersededBy = "isSupersededBy"
	idxIsSuperseding  = "isSuperseding"
	idxIsBundle       = "isBundle"
	idxBundledWith    = "bundledWith"
	idxByDigest       = "byDigest"
)

// IndexTag is the provenance tag stamped on every blob. It depends only on
// the format so that equal stores serialize to equal blobs no matter how
// many commits built them.
func indexTag() string {
	return fmt.Sprintf("fmt-%d", FormatVersion)
}

var indexNames = []string{
	idxTitles, idxDescriptions, idxCreationDates, idxKBArticle,
	idxIsSupersededBy, idxIsSuperseding, idxIsBundle, idxBundledWith,
	idxByDigest,
}

// DigestRef locates one file: the owning package and the display name.
type DigestRef struct {
	OpenID   string `json:"open_id"`
	FileName string `json:"file_name"`
}

// Indexes are the derived lookup tables over a store's packages. Key
// conventions: "openId" keys identify a package revision, "uuid" keys a
// logical update regardless of revision.
type indexes struct {
	Titles         map[string]string    // openId → title
	Descriptions   map[string]string    // openId → description
	CreationDates  map[string]time.Time // openId → creation date
	KBArticle      map[string]string    // openId → KB id
	IsSupersededBy map[string][]string  // uuid → openIds of supersessors
	IsSuperseding  map[string][]string  // openId → superseded uuids
	IsBundle       map[string][]string  // openId → bundled openIds
	BundledWith    map[string][]string  // uuid → parent bundle openIds
	ByDigest       map[string]DigestRef // digest → file ref
}

func newIndexes() *indexes {
	return &indexes{
		Titles:         make(map[string]string),
		Descriptions:   make(map[string]string),
		CreationDates:  make(map[string]time.Time),
		KBArticle:      make(map[string]string),
		IsSupersededBy: make(map[string][]string),
		IsSuperseding:  make(map[string][]string),
		IsBundle:       make(map[string][]string),
		BundledWith:    make(map[string][]string),
		ByDigest:       make(map[string]DigestRef),
	}
}

// Add derives index entries from one package.
func (x *indexes) add(pkg *ussync.Package) {
	open := pkg.ID.OpenID()
	x.Titles[open] = pkg.Title
	if pkg.Description != "" {
		x.Descriptions[open] = pkg.Description
	}
	if !pkg.CreationDate.IsZero() {
		x.CreationDates[open] = pkg.CreationDate
	}
	if pkg.KBArticle != "" {
		x.KBArticle[open] = pkg.KBArticle
	}
	for _, sup := range pkg.SupersededUpdates {
		key := sup.String()
		x.IsSupersededBy[key] = appendUnique(x.IsSupersededBy[key], open)
		x.IsSuperseding[open] = appendUnique(x.IsSuperseding[open], key)
	}
	for _, b := range pkg.BundledUpdates {
		x.IsBundle[open] = appendUnique(x.IsBundle[open], b.OpenID())
		key := b.UpdateID.String()
		x.BundledWith[key] = appendUnique(x.BundledWith[key], open)
	}
	for i := range pkg.Files {
		f := &pkg.Files[i]
		if len(f.Digests) == 0 {
			continue
		}
		x.ByDigest[f.Primary().String()] = DigestRef{OpenID: open, FileName: f.Name}
	}
}

func appendUnique(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// IndexBlob is the on-disk envelope of one index.
type indexBlob struct {
	Name      string          `json:"name"`
	Partition string          `json:"partition"`
	Version   int             `json:"version"`
	Tag       string          `json:"tag"`
	Entries   json.RawMessage `json:"entries"`
}

// Marshal serializes every index into its blob. Map keys serialize sorted
// and list values are kept sorted at insert, so identical stores produce
// byte-identical blobs regardless of ingest order.
func (x *indexes) marshal(tag string) (map[string][]byte, error) {
	parts := map[string]any{
		idxTitles:         x.Titles,
		idxDescriptions:   x.Descriptions,
		idxCreationDates:  x.CreationDates,
		idxKBArticle:      x.KBArticle,
		idxIsSupersededBy: x.IsSupersededBy,
		idxIsSuperseding:  x.IsSuperseding,
		idxIsBundle:       x.IsBundle,
		idxBundledWith:    x.BundledWith,
		idxByDigest:       x.ByDigest,
	}
	out := make(map[string][]byte, len(parts))
	for name, entries := range parts {
		raw, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(indexBlob{
			Name:      name,
			Partition: "default",
			Version:   indexVersion,
			Tag:       tag,
			Entries:   raw,
		})
		if err != nil {
			return nil, err
		}
		out[indexesDir+"/"+name+".json"] = b
	}
	return out, nil
}

// UnmarshalIndexes decodes the blob set; a version mismatch or a missing
// blob reports false so the caller rebuilds from raw metadata.
func unmarshalIndexes(blobs map[string][]byte) (*indexes, bool, error) {
	x := newIndexes()
	targets := map[string]any{
		idxTitles:         &x.Titles,
		idxDescriptions:   &x.Descriptions,
		idxCreationDates:  &x.CreationDates,
		idxKBArticle:      &x.KBArticle,
		idxIsSupersededBy: &x.IsSupersededBy,
		idxIsSuperseding:  &x.IsSuperseding,
		idxIsBundle:       &x.IsBundle,
		idxBundledWith:    &x.BundledWith,
		idxByDigest:       &x.ByDigest,
	}
	for _, name := range indexNames {
		raw, ok := blobs[indexesDir+"/"+name+".json"]
		if !ok {
			return nil, false, nil
		}
		var blob indexBlob
		if err := json.Unmarshal(raw, &blob); err != nil {
			return nil, false, fmt.Errorf("store: corrupt index %q: %w", name, err)
		}
		if blob.Version != indexVersion {
			return nil, false, nil
		}
		if err := json.Unmarshal(blob.Entries, targets[name]); err != nil {
			return nil, false, fmt.Errorf("store: corrupt index %q: %w", name, err)
		}
	}
	return x, true, nil
}
