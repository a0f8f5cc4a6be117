package ussync

// File describes one piece of downloadable update content.
//
// Content is addressed by the primary digest; Name is retained for display
// and for the cartridge exporter, which must reproduce on-disk names.
type File struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Digests      []Digest  `json:"digests"`
	URLs         []FileURL `json:"urls"`
	PatchingType string    `json:"patching_type,omitempty"`
}

// FileURL carries both forms a file may be advertised under: the Microsoft
// Update CDN URL and the upstream sync-server URL. Which one is served
// downstream is a server-configuration decision, so both are preserved.
type FileURL struct {
	MUURL  string `json:"mu_url,omitempty"`
	USSURL string `json:"uss_url,omitempty"`
}

// Primary reports the file's canonical digest.
func (f *File) Primary() Digest {
	if len(f.Digests) == 0 {
		return Digest{}
	}
	return f.Digests[0]
}
