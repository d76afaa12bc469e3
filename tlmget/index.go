package tlmget

import (
	"encoding/binary"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
)

// Index blob header: u64 fileSize | u64 firstTilePartOffset | u32 tlmLength
const indexBlobHeaderSize = 20

// Metadata identifies the raster an index belongs to. Path is the object
// path in the archive, without bucket or scheme.
type Metadata struct {
	ProductID string `json:"product_id"`
	BandID    string `json:"band_id"`
	Path      string `json:"path"`
}

// TileIndex is either a *VirtualIndex or a *NoopIndex.
type TileIndex interface {
	Meta() Metadata
	isTileIndex()
}

// VirtualIndex carries a TLM segment that is absent from the file and must be
// spliced in before the first tile-part.
type VirtualIndex struct {
	Metadata
	FileSize            uint64
	FirstTilePartOffset uint64
	tlm                 []byte
}

// NoopIndex marks a file that already carries its own TLM.
type NoopIndex struct {
	Metadata
}

func (v *VirtualIndex) Meta() Metadata { return v.Metadata }
func (n *NoopIndex) Meta() Metadata    { return n.Metadata }

func (*VirtualIndex) isTileIndex() {}
func (*NoopIndex) isTileIndex()    {}

// NewVirtualIndex copies tlm; the index never aliases caller memory.
func NewVirtualIndex(meta Metadata, fileSize, firstTilePartOffset uint64, tlm []byte) *VirtualIndex {
	return &VirtualIndex{
		Metadata:            meta,
		FileSize:            fileSize,
		FirstTilePartOffset: firstTilePartOffset,
		tlm:                 append([]byte(nil), tlm...),
	}
}

// TLMSegment returns a copy of the TLM marker segment.
func (v *VirtualIndex) TLMSegment() []byte {
	return append([]byte(nil), v.tlm...)
}

// TLMLength is the size of the TLM segment in bytes.
func (v *VirtualIndex) TLMLength() int {
	return len(v.tlm)
}

// TileRanges decodes the TLM segment into per-tile byte ranges of the
// original file.
func (v *VirtualIndex) TileRanges() (jp2util.TileRanges, error) {
	return jp2util.ParseTLM(v.tlm, v.FirstTilePartOffset)
}

// ParseIndexBlob decodes a stored index. An empty blob yields a *NoopIndex.
func ParseIndexBlob(blob []byte, meta Metadata) (TileIndex, error) {
	if len(blob) == 0 {
		return &NoopIndex{Metadata: meta}, nil
	}
	if len(blob) < indexBlobHeaderSize {
		return nil, tlmerrors.ErrUnsupportedFormat.
			WithDetail("product_id", meta.ProductID).
			Errorf("index blob too short (%d bytes)", len(blob))
	}

	fileSize := binary.BigEndian.Uint64(blob[0:8])
	first := binary.BigEndian.Uint64(blob[8:16])
	tlmLen := uint64(binary.BigEndian.Uint32(blob[16:20]))
	if uint64(len(blob)-indexBlobHeaderSize) < tlmLen {
		return nil, tlmerrors.ErrUnsupportedFormat.
			WithDetail("product_id", meta.ProductID).
			Errorf("index blob declares %d TLM bytes, holds %d", tlmLen, len(blob)-indexBlobHeaderSize)
	}

	return NewVirtualIndex(meta, fileSize, first, blob[indexBlobHeaderSize:indexBlobHeaderSize+tlmLen]), nil
}

// MarshalBlob encodes the index in the form ParseIndexBlob reads.
func (v *VirtualIndex) MarshalBlob() []byte {
	return EncodeIndexBlob(v.FileSize, v.FirstTilePartOffset, v.tlm)
}

// MarshalBlob of a NoopIndex is the empty blob.
func (n *NoopIndex) MarshalBlob() []byte {
	return nil
}

func EncodeIndexBlob(fileSize, firstTilePartOffset uint64, tlm []byte) []byte {
	blob := make([]byte, indexBlobHeaderSize, indexBlobHeaderSize+len(tlm))
	binary.BigEndian.PutUint64(blob[0:], fileSize)
	binary.BigEndian.PutUint64(blob[8:], firstTilePartOffset)
	binary.BigEndian.PutUint32(blob[16:], uint32(len(tlm)))
	return append(blob, tlm...)
}

// MarshalIndex encodes either variant.
func MarshalIndex(idx TileIndex) []byte {
	switch idx := idx.(type) {
	case *VirtualIndex:
		return idx.MarshalBlob()
	default:
		return nil
	}
}
