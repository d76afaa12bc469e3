package jp2util

import (
	"bytes"
	"encoding/binary"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// Marker segment constants of the Sentinel-2 L1C/L2A encoder profile, as
// reported by dump_jp2 on the 10 m products. They are not derived from the
// tile-part: a source encoded differently decodes to garbage.
const (
	profileRsiz      = 0
	profileSsiz      = 14 // Ssiz0 as written by the producer
	profileScod      = 1  // user-defined precincts
	profileLayers    = 1
	profileDecompLvl = 4 // 5 resolution levels
	profileCodeBlock = 4 // 64x64 code-blocks (exponent - 2)
	profileTransform = 1 // 5/3 reversible
	profilePrecinct  = 0x88
	profileSqcd      = 0x20
)

var profileSPqcd = [...]byte{128, 136, 136, 144, 136, 136, 144, 136, 136, 136, 128, 128, 136}

// BuildTileCodestream turns one tile-part, cut out of a multi-tile codestream
// by byte range, into a standalone single-tile codestream:
//
//	SOC SIZ COD QCD <tile-part with Isot = 0> EOC
//
// The tile's grid cell is read from its own Isot field; the SIZ image size is
// that cell's clipped size. tilePart is not modified.
func BuildTileCodestream(tilePart []byte, geom Geometry) ([]byte, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if len(tilePart) < sotSegmentSize {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("tile-part too short (%d bytes)", len(tilePart))
	}
	if marker := Marker(binary.BigEndian.Uint16(tilePart)); marker != MarkerSOT {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("tile-part starts with %s, expected SOT", marker)
	}

	isot := int(binary.BigEndian.Uint16(tilePart[isotOffset:]))
	row, col, err := geom.Cell(isot)
	if err != nil {
		return nil, tlmerrors.ErrUnsupportedFormat.WithCause(err).Errorf("tile-part index %d", isot)
	}
	width, height := geom.CellSize(row, col)

	var buf bytes.Buffer
	buf.Grow(2 + 43 + 19 + 18 + len(tilePart) + 2)

	writeMarker(&buf, MarkerSOC)
	writeSIZ(&buf, width, height, geom.TileSize)
	writeCOD(&buf)
	writeQCD(&buf)

	start := buf.Len()
	buf.Write(tilePart)
	out := buf.Bytes()
	binary.BigEndian.PutUint16(out[start+isotOffset:], 0)

	writeMarker(&buf, MarkerEOC)
	return buf.Bytes(), nil
}

// TileIndexOf reads Isot from a tile-part's SOT header.
func TileIndexOf(tilePart []byte) (int, error) {
	if len(tilePart) < sotSegmentSize || Marker(binary.BigEndian.Uint16(tilePart)) != MarkerSOT {
		return 0, tlmerrors.ErrUnsupportedFormat.WithMessage("not a tile-part")
	}
	return int(binary.BigEndian.Uint16(tilePart[isotOffset:])), nil
}

func writeMarker(buf *bytes.Buffer, m Marker) {
	_ = binary.Write(buf, binary.BigEndian, uint16(m))
}

func writeSIZ(buf *bytes.Buffer, width, height, tileSize uint32) {
	writeMarker(buf, MarkerSIZ)
	_ = binary.Write(buf, binary.BigEndian, struct {
		Lsiz, Rsiz               uint16
		Xsiz, Ysiz, XOsiz, YOsiz uint32
		XTsiz, YTsiz             uint32
		XTOsiz, YTOsiz           uint32
		Csiz                     uint16
		Ssiz, XRsiz, YRsiz       uint8
	}{
		Lsiz:  41,
		Rsiz:  profileRsiz,
		Xsiz:  width,
		Ysiz:  height,
		XTsiz: tileSize,
		YTsiz: tileSize,
		Csiz:  1,
		Ssiz:  profileSsiz,
		XRsiz: 1,
		YRsiz: 1,
	})
}

func writeCOD(buf *bytes.Buffer) {
	writeMarker(buf, MarkerCOD)
	_ = binary.Write(buf, binary.BigEndian, struct {
		Lcod      uint16
		Scod      uint8
		Progress  uint8
		NumLayers uint16
		MCT       uint8
		Decomp    uint8
		XCB, YCB  uint8
		CBStyle   uint8
		Transform uint8
		Precincts [profileDecompLvl + 1]uint8
	}{
		Lcod:      17,
		Scod:      profileScod,
		Progress:  0,
		NumLayers: profileLayers,
		MCT:       0,
		Decomp:    profileDecompLvl,
		XCB:       profileCodeBlock,
		YCB:       profileCodeBlock,
		CBStyle:   0,
		Transform: profileTransform,
		Precincts: [profileDecompLvl + 1]uint8{profilePrecinct, profilePrecinct, profilePrecinct, profilePrecinct, profilePrecinct},
	})
}

func writeQCD(buf *bytes.Buffer) {
	writeMarker(buf, MarkerQCD)
	_ = binary.Write(buf, binary.BigEndian, uint16(3+len(profileSPqcd)))
	buf.WriteByte(profileSqcd)
	buf.Write(profileSPqcd[:])
}
