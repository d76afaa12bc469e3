package jp2util

import (
	"encoding/binary"
	"fmt"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// TLM segment header: marker(2) Ltlm(2) Ztlm(1) Stlm(1)
const tlmHeaderSize = 6

// TileRange is the byte range of one tile-part inside the source file.
type TileRange struct {
	Offset uint64
	Length uint32
}

// End returns the offset one past the last byte of the tile-part.
func (r TileRange) End() uint64 {
	return r.Offset + uint64(r.Length)
}

// TileRanges holds one TileRange per tile, indexed by tile number.
type TileRanges []TileRange

// End returns the end offset of the last tile-part, or 0 for an empty table.
func (t TileRanges) End() uint64 {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1].End()
}

// Validate checks that the ranges are contiguous and fit in a file of fileSize bytes.
func (t TileRanges) Validate(fileSize uint64) error {
	for i := 1; i < len(t); i++ {
		if t[i].Offset != t[i-1].End() {
			return tlmerrors.ErrUnsupportedFormat.
				Errorf("tile %d starts at %d, previous tile ends at %d", i, t[i].Offset, t[i-1].End())
		}
	}
	if t.End() > fileSize {
		return tlmerrors.ErrUnsupportedFormat.
			Errorf("tile-parts end at %d, beyond file size %d", t.End(), fileSize)
	}
	return nil
}

// TLMStyle selects the field widths of a TLM segment.
// IndexBits is 0 (implicit sequential index), 8 or 16; LengthBits is 16 or 32.
type TLMStyle struct {
	IndexBits  int
	LengthBits int
}

// DefaultTLMStyle is what OpenJPEG writes: 16-bit tile index, 32-bit lengths.
var DefaultTLMStyle = TLMStyle{IndexBits: 16, LengthBits: 32}

func (s TLMStyle) stlm() (byte, error) {
	var st, sp byte
	switch s.IndexBits {
	case 0:
		st = 0
	case 8:
		st = 1
	case 16:
		st = 2
	default:
		return 0, tlmerrors.ErrInvalidArgument.Errorf("TLM tile index width %d not in {0, 8, 16}", s.IndexBits)
	}
	switch s.LengthBits {
	case 16:
		sp = 0
	case 32:
		sp = 1
	default:
		return 0, tlmerrors.ErrInvalidArgument.Errorf("TLM length width %d not in {16, 32}", s.LengthBits)
	}
	return st<<4 | sp<<6, nil
}

func styleFromStlm(stlm byte) (TLMStyle, error) {
	var style TLMStyle
	switch (stlm >> 4) & 0x03 {
	case 0:
		style.IndexBits = 0
	case 1:
		style.IndexBits = 8
	case 2:
		style.IndexBits = 16
	default:
		return style, tlmerrors.ErrUnsupportedFormat.Errorf("invalid ST value in Stlm 0x%02X", stlm)
	}
	if stlm&0x40 != 0 {
		style.LengthBits = 32
	} else {
		style.LengthBits = 16
	}
	return style, nil
}

// ParseTLM decodes a complete TLM marker segment (marker code included) into
// per-tile byte ranges. Offsets start at firstTilePartOffset, the position of
// the first SOT marker in the source file.
//
// Only a single, non-chained TLM segment listing tiles 0..N-1 in order is
// accepted. Anything else fails with ErrUnsupportedFormat and no ranges.
func ParseTLM(segment []byte, firstTilePartOffset uint64) (TileRanges, error) {
	if len(segment) < tlmHeaderSize {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("TLM segment too short (%d bytes)", len(segment))
	}

	if marker := Marker(binary.BigEndian.Uint16(segment[0:2])); marker != MarkerTLM {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("expected TLM marker, got %s", marker)
	}
	if ltlm := int(binary.BigEndian.Uint16(segment[2:4])); ltlm != len(segment)-2 {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("Ltlm = %d, segment holds %d bytes after the marker", ltlm, len(segment)-2)
	}
	if ztlm := segment[4]; ztlm != 0 {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("chained TLM segments are not supported (Ztlm = %d)", ztlm)
	}
	style, err := styleFromStlm(segment[5])
	if err != nil {
		return nil, err
	}

	indexSize := style.IndexBits / 8
	lengthSize := style.LengthBits / 8
	entrySize := indexSize + lengthSize

	ranges := make(TileRanges, 0, (len(segment)-tlmHeaderSize)/entrySize)
	position := firstTilePartOffset
	tileIndex := 0

	for offset := tlmHeaderSize; offset < len(segment); offset += entrySize {
		if offset+entrySize > len(segment) {
			return nil, tlmerrors.ErrUnsupportedFormat.Errorf("truncated TLM entry for tile %d", tileIndex)
		}

		ttlm := tileIndex
		switch indexSize {
		case 1:
			ttlm = int(segment[offset])
		case 2:
			ttlm = int(binary.BigEndian.Uint16(segment[offset:]))
		}
		if ttlm != tileIndex {
			return nil, tlmerrors.ErrUnsupportedFormat.
				Errorf("tile-parts out of order: entry %d lists tile %d", tileIndex, ttlm)
		}

		var ptlm uint32
		if lengthSize == 2 {
			ptlm = uint32(binary.BigEndian.Uint16(segment[offset+indexSize:]))
		} else {
			ptlm = binary.BigEndian.Uint32(segment[offset+indexSize:])
		}

		ranges = append(ranges, TileRange{Offset: position, Length: ptlm})
		position += uint64(ptlm)
		tileIndex++
	}

	return ranges, nil
}

// EncodeTLM builds a single TLM marker segment listing the given tile-part
// lengths for tiles 0..len(lengths)-1.
func EncodeTLM(lengths []uint32, style TLMStyle) ([]byte, error) {
	stlm, err := style.stlm()
	if err != nil {
		return nil, err
	}

	indexSize := style.IndexBits / 8
	lengthSize := style.LengthBits / 8
	size := tlmHeaderSize + len(lengths)*(indexSize+lengthSize)
	if size-2 > 0xFFFF {
		return nil, tlmerrors.ErrInvalidArgument.
			Errorf("%d tiles do not fit in one TLM segment", len(lengths))
	}
	if indexSize == 1 && len(lengths) > 0x100 {
		return nil, tlmerrors.ErrInvalidArgument.Errorf("%d tiles exceed 8-bit tile indices", len(lengths))
	}

	segment := make([]byte, size)
	binary.BigEndian.PutUint16(segment[0:], uint16(MarkerTLM))
	binary.BigEndian.PutUint16(segment[2:], uint16(size-2))
	segment[4] = 0
	segment[5] = stlm

	offset := tlmHeaderSize
	for i, length := range lengths {
		switch indexSize {
		case 1:
			segment[offset] = byte(i)
		case 2:
			binary.BigEndian.PutUint16(segment[offset:], uint16(i))
		}
		offset += indexSize

		if lengthSize == 2 {
			if length > 0xFFFF {
				return nil, tlmerrors.ErrInvalidArgument.
					Errorf("tile %d length %d exceeds 16-bit Ptlm", i, length)
			}
			binary.BigEndian.PutUint16(segment[offset:], uint16(length))
		} else {
			binary.BigEndian.PutUint32(segment[offset:], length)
		}
		offset += lengthSize
	}

	return segment, nil
}

// String renders a range as "offset+length".
func (r TileRange) String() string {
	return fmt.Sprintf("%d+%d", r.Offset, r.Length)
}
