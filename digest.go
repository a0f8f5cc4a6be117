package ussync

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Digest is a content digest tagged with the algorithm that produced it.
//
// The canonical text form is "algo:hex". The sync protocol transmits digests
// base64-encoded; use NewDigestFromWire for those.
type Digest struct {
	algo     string
	checksum []byte
}

func (d Digest) Checksum() []byte { return d.checksum }

func (d Digest) Algorithm() string { return d.algo }

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// Hash returns the corresponding hash.Hash for the Digest's algorithm.
func (d Digest) Hash() hash.Hash {
	h, ok := digestAlgo[d.algo]
	if !ok {
		panic("digest not created through ussync API")
	}
	return h.New()
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return fmt.Errorf("invalid digest format")
	}
	d.algo = string(t[:i])
	if _, ok := digestAlgo[d.algo]; !ok {
		return fmt.Errorf("unknown digest algorithm %q", d.algo)
	}
	t = t[i+1:]
	d.checksum = make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(d.checksum, t); err != nil {
		return fmt.Errorf("invalid digest format")
	}
	return nil
}

var digestAlgo = map[string]crypto.Hash{
	"md5":    crypto.MD5,
	"sha1":   crypto.SHA1,
	"sha256": crypto.SHA256,
	"sha512": crypto.SHA512,
}

// NewDigest constructs a Digest from an algorithm name and a raw checksum.
func NewDigest(algo string, sum []byte) (Digest, error) {
	algo = strings.ToLower(algo)
	h, ok := digestAlgo[algo]
	if !ok {
		return Digest{}, fmt.Errorf("unknown digest algorithm %q", algo)
	}
	if len(sum) != h.Size() {
		return Digest{}, fmt.Errorf("bad checksum length for %s: %d", algo, len(sum))
	}
	return Digest{algo: algo, checksum: sum}, nil
}

// NewDigestFromWire constructs a Digest from the protocol's
// (algorithm, base64 checksum) pair.
func NewDigestFromWire(algo, b64 string) (Digest, error) {
	sum, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid base64 digest: %w", err)
	}
	return NewDigest(algo, sum)
}

// ParseDigest parses the canonical "algo:hex" form.
func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// WireBase64 reports the checksum in the protocol's base64 encoding.
func (d Digest) WireBase64() string {
	return base64.StdEncoding.EncodeToString(d.checksum)
}
