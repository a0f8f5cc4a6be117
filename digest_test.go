package ussync

import (
	"crypto/sha1"
	"testing"
)

func TestDigestRoundtrip(t *testing.T) {
	sum := sha1.Sum([]byte("test content"))
	d, err := NewDigest("SHA1", sum[:])
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseDigest(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != d.String() {
		t.Errorf("got %v, want %v", got, d)
	}

	w, err := NewDigestFromWire("sha1", d.WireBase64())
	if err != nil {
		t.Fatal(err)
	}
	if w.String() != d.String() {
		t.Errorf("wire roundtrip: got %v, want %v", w, d)
	}
}

func TestDigestBad(t *testing.T) {
	tt := []struct {
		name, algo string
		sum        []byte
	}{
		{name: "unknown algorithm", algo: "crc32", sum: make([]byte, 4)},
		{name: "truncated checksum", algo: "sha256", sum: make([]byte, 20)},
	}
	for _, tc := range tt {
		if _, err := NewDigest(tc.algo, tc.sum); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if _, err := ParseDigest("sha1"); err == nil {
		t.Error("missing separator: expected error")
	}
	if _, err := NewDigestFromWire("sha1", "!!!"); err == nil {
		t.Error("bad base64: expected error")
	}
}
