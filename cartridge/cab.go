package cartridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Minimal cabinet writer: one folder, uncompressed data blocks. That is the
// least container the legacy import tooling accepts; compression inside the
// cabinet buys little since the bulk of the payload is already compressed
// update content.

const (
	cabSignature   = "MSCF"
	cabVersionMaj  = 1
	cabVersionMin  = 3
	cabBlockSize   = 32768 // max uncompressed bytes per CFDATA
	cabHeaderLen   = 36
	cabFolderLen   = 8
	cabDataHdrLen  = 8
	compressNone   = 0
	cabMaxFileName = 255
)

type cabFile struct {
	name string
	data []byte
}

// cabWriter accumulates files and serializes the cabinet on Close. Offsets
// in the header depend on every member's size, so the build is two-phase.
type cabWriter struct {
	w     io.Writer
	files []cabFile
	stamp time.Time
}

func newCabWriter(w io.Writer) *cabWriter {
	return &cabWriter{w: w, stamp: time.Date(2002, 12, 1, 0, 0, 0, 0, time.UTC)}
}

// Add appends one member. Order is preserved; readers see members in Add
// order.
func (c *cabWriter) Add(name string, data []byte) error {
	if name == "" || len(name) > cabMaxFileName {
		return fmt.Errorf("cartridge: bad cabinet member name %q", name)
	}
	for _, f := range c.files {
		if f.name == name {
			return fmt.Errorf("cartridge: duplicate cabinet member %q", name)
		}
	}
	c.files = append(c.files, cabFile{name: name, data: data})
	return nil
}

// Close lays out and writes the cabinet.
func (c *cabWriter) Close() error {
	if len(c.files) > 0xffff {
		return fmt.Errorf("cartridge: too many cabinet members: %d", len(c.files))
	}

	// The single folder's uncompressed stream is the member concatenation.
	var stream bytes.Buffer
	type entry struct {
		cabFile
		offset uint32
	}
	entries := make([]entry, 0, len(c.files))
	for _, f := range c.files {
		entries = append(entries, entry{cabFile: f, offset: uint32(stream.Len())})
		stream.Write(f.data)
	}

	var fileTable bytes.Buffer
	date, tm := dosDateTime(c.stamp)
	for _, e := range entries {
		var hdr [16]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(e.data)))
		binary.LittleEndian.PutUint32(hdr[4:], e.offset)
		binary.LittleEndian.PutUint16(hdr[8:], 0) // folder index
		binary.LittleEndian.PutUint16(hdr[10:], date)
		binary.LittleEndian.PutUint16(hdr[12:], tm)
		binary.LittleEndian.PutUint16(hdr[14:], 0x20) // archive attribute
		fileTable.Write(hdr[:])
		fileTable.WriteString(e.name)
		fileTable.WriteByte(0)
	}

	var blocks bytes.Buffer
	raw := stream.Bytes()
	nBlocks := 0
	for off := 0; off < len(raw) || nBlocks == 0; off += cabBlockSize {
		end := min(off+cabBlockSize, len(raw))
		chunk := raw[off:end]
		var hdr [cabDataHdrLen]byte
		binary.LittleEndian.PutUint16(hdr[4:], uint16(len(chunk)))
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(chunk)))
		binary.LittleEndian.PutUint32(hdr[0:], cabChecksum(chunk, cabChecksum(hdr[4:8], 0)))
		blocks.Write(hdr[:])
		blocks.Write(chunk)
		nBlocks++
		if len(raw) == 0 {
			break
		}
	}

	coffFiles := uint32(cabHeaderLen + cabFolderLen)
	coffData := coffFiles + uint32(fileTable.Len())
	total := coffData + uint32(blocks.Len())

	var hdr [cabHeaderLen]byte
	copy(hdr[0:], cabSignature)
	binary.LittleEndian.PutUint32(hdr[8:], total)
	binary.LittleEndian.PutUint32(hdr[16:], coffFiles)
	hdr[24] = cabVersionMin
	hdr[25] = cabVersionMaj
	binary.LittleEndian.PutUint16(hdr[26:], 1) // folders
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(c.files)))
	binary.LittleEndian.PutUint16(hdr[30:], 0) // flags
	binary.LittleEndian.PutUint16(hdr[32:], 0) // set id
	binary.LittleEndian.PutUint16(hdr[34:], 0) // cabinet index

	var folder [cabFolderLen]byte
	binary.LittleEndian.PutUint32(folder[0:], coffData)
	binary.LittleEndian.PutUint16(folder[4:], uint16(nBlocks))
	binary.LittleEndian.PutUint16(folder[6:], compressNone)

	for _, b := range [][]byte{hdr[:], folder[:], fileTable.Bytes(), blocks.Bytes()} {
		if _, err := c.w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// CabChecksum is the cabinet CFDATA checksum: little-endian 32-bit words
// XORed together, trailing bytes folded in big-endian order.
func cabChecksum(p []byte, seed uint32) uint32 {
	csum := seed
	for len(p) >= 4 {
		csum ^= binary.LittleEndian.Uint32(p)
		p = p[4:]
	}
	var ul uint32
	switch len(p) {
	case 3:
		ul = uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
	case 2:
		ul = uint32(p[0])<<8 | uint32(p[1])
	case 1:
		ul = uint32(p[0])
	}
	return csum ^ ul
}

func dosDateTime(t time.Time) (date, tm uint16) {
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tm = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, tm
}
