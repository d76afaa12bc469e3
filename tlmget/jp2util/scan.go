package jp2util

import (
	"encoding/binary"
	"errors"
	"io"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

var jp2Signature = []byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' ', 0x0D, 0x0A, 0x87, 0x0A}

// SIZInfo is the subset of the SIZ marker segment needed to address tiles.
type SIZInfo struct {
	Width, Height            uint32 // Xsiz, Ysiz
	XOffset, YOffset         uint32 // XOsiz, YOsiz
	TileWidth, TileHeight    uint32 // XTsiz, YTsiz
	TileXOffset, TileYOffset uint32 // XTOsiz, YTOsiz
	Components               uint16
}

// MainHeader summarizes a codestream's main header.
type MainHeader struct {
	CodestreamOffset    int64 // absolute offset of SOC
	FirstTilePartOffset int64 // absolute offset of the first SOT
	SIZ                 SIZInfo
	TLM                 []byte // full TLM segment, nil when absent
}

// Geometry derives the tiling from SIZ. Image and tile offsets must be zero.
func (h *MainHeader) Geometry() (Geometry, error) {
	s := h.SIZ
	if s.XOffset != 0 || s.YOffset != 0 || s.TileXOffset != 0 || s.TileYOffset != 0 {
		return Geometry{}, tlmerrors.ErrUnsupportedFormat.WithMessage("image or tile offsets are not zero")
	}
	if s.TileWidth != s.TileHeight {
		return Geometry{}, tlmerrors.ErrUnsupportedFormat.
			Errorf("non-square tiles %dx%d", s.TileWidth, s.TileHeight)
	}
	g := Geometry{TileSize: s.TileWidth, RasterWidth: s.Width, RasterHeight: s.Height}
	return g, g.Validate()
}

// TilePart locates one tile-part found by ScanTileParts.
type TilePart struct {
	Index  int
	Offset int64
	Length int64
}

// LocateCodestream returns the [start, end) byte span of the codestream in a
// file that is either a raw codestream or a JP2 box structure.
func LocateCodestream(r io.ReaderAt, size int64) (start, end int64, err error) {
	head := make([]byte, len(jp2Signature))
	n, err := r.ReadAt(head, 0)
	if n >= 2 && Marker(binary.BigEndian.Uint16(head)) == MarkerSOC {
		return 0, size, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, tlmerrors.ErrRangeRead.WithCause(err)
	}
	if n < len(jp2Signature) || string(head) != string(jp2Signature) {
		return 0, 0, tlmerrors.ErrUnsupportedFormat.WithMessage("neither a JP2 file nor a raw codestream")
	}

	pos := int64(len(jp2Signature))
	boxHeader := make([]byte, 16)
	for pos+8 <= size {
		if _, err := r.ReadAt(boxHeader[:8], pos); err != nil {
			return 0, 0, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", pos)
		}
		boxLen := int64(binary.BigEndian.Uint32(boxHeader[0:4]))
		boxType := string(boxHeader[4:8])
		headerLen := int64(8)

		switch boxLen {
		case 0:
			boxLen = size - pos
		case 1:
			if _, err := r.ReadAt(boxHeader[8:16], pos+8); err != nil {
				return 0, 0, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", pos+8)
			}
			boxLen = int64(binary.BigEndian.Uint64(boxHeader[8:16]))
			headerLen = 16
		}
		if boxLen < headerLen || pos+boxLen > size {
			return 0, 0, tlmerrors.ErrUnsupportedFormat.Errorf("box %q at %d has invalid length %d", boxType, pos, boxLen)
		}

		if boxType == "jp2c" {
			return pos + headerLen, pos + boxLen, nil
		}
		pos += boxLen
	}

	return 0, 0, tlmerrors.ErrUnsupportedFormat.WithMessage("no jp2c box found")
}

// ReadMainHeader walks the marker segments following SOC at csOffset up to
// the first SOT.
func ReadMainHeader(r io.ReaderAt, csOffset int64) (*MainHeader, error) {
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf[:2], csOffset); err != nil {
		return nil, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", csOffset)
	}
	if marker := Marker(binary.BigEndian.Uint16(buf)); marker != MarkerSOC {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("expected SOC at %d, got %s", csOffset, marker)
	}

	header := &MainHeader{CodestreamOffset: csOffset}
	pos := csOffset + 2
	for {
		if _, err := r.ReadAt(buf, pos); err != nil {
			return nil, tlmerrors.ErrUnsupportedFormat.WithCause(err).Errorf("main header truncated at %d", pos)
		}
		marker := Marker(binary.BigEndian.Uint16(buf[0:2]))
		if marker == MarkerSOT {
			header.FirstTilePartOffset = pos
			return header, nil
		}
		if marker>>8 != 0xFF {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("invalid marker %s at %d", marker, pos)
		}
		length := int64(binary.BigEndian.Uint16(buf[2:4]))
		if length < 2 {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("%s segment at %d has length %d", marker, pos, length)
		}

		switch marker {
		case MarkerSIZ:
			body := make([]byte, length-2)
			if _, err := r.ReadAt(body, pos+4); err != nil {
				return nil, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", pos)
			}
			siz, err := parseSIZ(body)
			if err != nil {
				return nil, err
			}
			header.SIZ = siz
		case MarkerTLM:
			if header.TLM != nil {
				return nil, tlmerrors.ErrUnsupportedFormat.WithMessage("multiple TLM segments are not supported")
			}
			segment := make([]byte, length+2)
			if _, err := r.ReadAt(segment, pos); err != nil {
				return nil, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", pos)
			}
			header.TLM = segment
		}

		pos += 2 + length
	}
}

func parseSIZ(body []byte) (SIZInfo, error) {
	// Rsiz(2) + 8 x u32 + Csiz(2)
	if len(body) < 38 {
		return SIZInfo{}, tlmerrors.ErrUnsupportedFormat.Errorf("SIZ segment too short (%d bytes)", len(body))
	}
	be := binary.BigEndian
	return SIZInfo{
		Width:       be.Uint32(body[2:]),
		Height:      be.Uint32(body[6:]),
		XOffset:     be.Uint32(body[10:]),
		YOffset:     be.Uint32(body[14:]),
		TileWidth:   be.Uint32(body[18:]),
		TileHeight:  be.Uint32(body[22:]),
		TileXOffset: be.Uint32(body[26:]),
		TileYOffset: be.Uint32(body[30:]),
		Components:  be.Uint16(body[34:]),
	}, nil
}

// ScanTileParts follows Psot from the first SOT until EOC or end, reading
// only the 12-byte SOT header of each tile-part. Tiles must appear once each,
// in index order, as a single tile-part.
func ScanTileParts(r io.ReaderAt, firstSOT, end int64) ([]TilePart, error) {
	var parts []TilePart
	header := make([]byte, sotSegmentSize)
	pos := firstSOT

	for pos < end {
		if _, err := r.ReadAt(header[:2], pos); err != nil {
			return nil, tlmerrors.ErrRangeRead.WithCause(err).WithDetail("offset", pos)
		}
		if Marker(binary.BigEndian.Uint16(header)) == MarkerEOC {
			break
		}
		if _, err := r.ReadAt(header, pos); err != nil {
			return nil, tlmerrors.ErrUnsupportedFormat.WithCause(err).Errorf("SOT header truncated at %d", pos)
		}
		if marker := Marker(binary.BigEndian.Uint16(header)); marker != MarkerSOT {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("expected SOT at %d, got %s", pos, marker)
		}
		if lsot := binary.BigEndian.Uint16(header[2:]); lsot != sotLength {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("Lsot = %d at %d", lsot, pos)
		}

		isot := int(binary.BigEndian.Uint16(header[isotOffset:]))
		psot := int64(binary.BigEndian.Uint32(header[psotOffset:]))
		tpsot := header[10]
		if isot != len(parts) || tpsot != 0 {
			return nil, tlmerrors.ErrUnsupportedFormat.
				Errorf("tile-part %d/%d found where tile %d was expected", isot, tpsot, len(parts))
		}
		if psot == 0 {
			// last tile-part, runs up to EOC
			psot = end - pos - 2
		}
		if psot < sotSegmentSize || pos+psot > end {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("tile %d has invalid Psot %d", isot, psot)
		}

		parts = append(parts, TilePart{Index: isot, Offset: pos, Length: psot})
		pos += psot
	}

	return parts, nil
}
