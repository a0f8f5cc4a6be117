package wsusxml

import (
	"strconv"

	"github.com/quay/ussync"
)

type fileList struct {
	File []fileElem `xml:"File"`
}

type fileElem struct {
	FileName        string           `xml:"FileName,attr"`
	Size            string           `xml:"Size,attr"`
	Digest          string           `xml:"Digest,attr"`
	DigestAlgorithm string           `xml:"DigestAlgorithm,attr"`
	PatchingType    string           `xml:"PatchingType,attr"`
	MUURL           string           `xml:"MUUrl,attr"`
	USSURL          string           `xml:"UssUrl,attr"`
	Additional      []additionalHash `xml:"AdditionalDigest"`
}

type additionalHash struct {
	Algorithm string `xml:"Algorithm,attr"`
	Value     string `xml:",chardata"`
}

func (w *fileElem) into() (*ussync.File, error) {
	if w.FileName == "" {
		return nil, &ussync.ParseError{XPath: "Files/File/@FileName", Reason: "missing"}
	}
	if w.Digest == "" {
		return nil, &ussync.ParseError{XPath: "Files/File/@Digest", Reason: "missing"}
	}
	f := ussync.File{
		Name:         w.FileName,
		PatchingType: w.PatchingType,
	}
	if w.Size != "" {
		sz, err := strconv.ParseInt(w.Size, 10, 64)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "Files/File/@Size", Reason: err.Error()}
		}
		f.Size = sz
	}
	algo := w.DigestAlgorithm
	if algo == "" {
		// The primary digest is SHA-1 unless the schema says otherwise.
		algo = "sha1"
	}
	d, err := ussync.NewDigestFromWire(algo, w.Digest)
	if err != nil {
		return nil, &ussync.ParseError{XPath: "Files/File/@Digest", Reason: err.Error()}
	}
	f.Digests = append(f.Digests, d)
	for _, a := range w.Additional {
		d, err := ussync.NewDigestFromWire(a.Algorithm, a.Value)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "Files/File/AdditionalDigest", Reason: err.Error()}
		}
		f.Digests = append(f.Digests, d)
	}
	if w.MUURL != "" || w.USSURL != "" {
		f.URLs = append(f.URLs, ussync.FileURL{MUURL: w.MUURL, USSURL: w.USSURL})
	}
	return &f, nil
}
