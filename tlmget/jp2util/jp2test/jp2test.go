// Package jp2test synthesizes small tiled JPEG2000 files for tests. The tile
// payloads are filler bytes; only the marker structure is meaningful.
package jp2test

import (
	"bytes"
	"encoding/binary"

	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
)

// Options control the generated file.
type Options struct {
	Geometry jp2util.Geometry
	// PayloadSize returns the number of bytes after SOD for tile i.
	// Defaults to 64+i.
	PayloadSize func(i int) int
	// TLM embeds a TLM segment in the main header.
	TLM bool
	// JP2 wraps the codestream in a JP2 box structure.
	JP2 bool
	// ExtendedBox writes the jp2c box with LBox == 1.
	ExtendedBox bool
	// LastPsotZero writes Psot = 0 for the last tile-part.
	LastPsotZero bool
}

// File is a generated image.
type File struct {
	Data             []byte
	CodestreamOffset int64
	FirstSOT         int64
	Lengths          []uint32 // tile-part lengths, SOT through payload
	TLM              []byte   // TLM segment matching Lengths
}

// Size returns len(Data) as uint64.
func (f *File) Size() uint64 { return uint64(len(f.Data)) }

// TilePart returns the bytes of tile i.
func (f *File) TilePart(i int) []byte {
	offset := f.FirstSOT
	for j := 0; j < i; j++ {
		offset += int64(f.Lengths[j])
	}
	return f.Data[offset : offset+int64(f.Lengths[i])]
}

// Sentinel2 is a full 121-tile Sentinel-2 10 m layout without a TLM.
func Sentinel2() *File {
	return New(Options{Geometry: jp2util.Sentinel2R10m})
}

// New builds a file.
func New(opts Options) *File {
	geom := opts.Geometry
	payloadSize := opts.PayloadSize
	if payloadSize == nil {
		payloadSize = func(i int) int { return 64 + i }
	}

	n := geom.NumTiles()
	lengths := make([]uint32, n)
	for i := range lengths {
		lengths[i] = uint32(14 + payloadSize(i)) // SOT(12) + SOD(2) + payload
	}
	tlm, err := jp2util.EncodeTLM(lengths, jp2util.DefaultTLMStyle)
	if err != nil {
		panic(err)
	}

	var cs bytes.Buffer
	put16(&cs, uint16(jp2util.MarkerSOC))
	writeSIZ(&cs, geom)
	writeCOM(&cs, "jp2test")
	if opts.TLM {
		cs.Write(tlm)
	}
	firstSOT := cs.Len()
	for i := 0; i < n; i++ {
		psot := lengths[i]
		if opts.LastPsotZero && i == n-1 {
			psot = 0
		}
		put16(&cs, uint16(jp2util.MarkerSOT))
		put16(&cs, 10)
		put16(&cs, uint16(i))
		put32(&cs, psot)
		cs.WriteByte(0)
		cs.WriteByte(1)
		put16(&cs, uint16(jp2util.MarkerSOD))
		cs.Write(bytes.Repeat([]byte{byte(i)}, payloadSize(i)))
	}
	put16(&cs, uint16(jp2util.MarkerEOC))

	f := &File{Lengths: lengths, TLM: tlm}
	if !opts.JP2 {
		f.Data = cs.Bytes()
		f.FirstSOT = int64(firstSOT)
		return f
	}

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' ', 0x0D, 0x0A, 0x87, 0x0A})
	writeBox(&out, "ftyp", []byte("jp2 \x00\x00\x00\x00jp2 "))
	writeBox(&out, "jp2h", make([]byte, 22))
	if opts.ExtendedBox {
		put32(&out, 1)
		out.WriteString("jp2c")
		_ = binary.Write(&out, binary.BigEndian, uint64(16+cs.Len()))
	} else {
		put32(&out, uint32(8+cs.Len()))
		out.WriteString("jp2c")
	}
	f.CodestreamOffset = int64(out.Len())
	out.Write(cs.Bytes())
	writeBox(&out, "xml ", []byte("<trailer/>"))

	f.Data = out.Bytes()
	f.FirstSOT = f.CodestreamOffset + int64(firstSOT)
	return f
}

func writeSIZ(buf *bytes.Buffer, geom jp2util.Geometry) {
	put16(buf, uint16(jp2util.MarkerSIZ))
	put16(buf, 41)
	put16(buf, 0)
	for _, v := range []uint32{geom.RasterWidth, geom.RasterHeight, 0, 0, geom.TileSize, geom.TileSize, 0, 0} {
		put32(buf, v)
	}
	put16(buf, 1)
	buf.Write([]byte{15, 1, 1})
}

func writeCOM(buf *bytes.Buffer, text string) {
	put16(buf, uint16(jp2util.MarkerCOM))
	put16(buf, uint16(4+len(text)))
	put16(buf, 1)
	buf.WriteString(text)
}

func writeBox(buf *bytes.Buffer, boxType string, payload []byte) {
	put32(buf, uint32(8+len(payload)))
	buf.WriteString(boxType)
	buf.Write(payload)
}

func put16(buf *bytes.Buffer, v uint16) { _ = binary.Write(buf, binary.BigEndian, v) }
func put32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.BigEndian, v) }
