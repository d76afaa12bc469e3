package tlmget

import (
	"encoding/xml"
	"sync"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// Region maps RegionLength bytes of Filename, starting at SourceOffset, to
// DestinationOffset in the virtual file.
type Region struct {
	Filename          string `xml:"Filename"`
	DestinationOffset uint64 `xml:"DestinationOffset"`
	SourceOffset      uint64 `xml:"SourceOffset"`
	RegionLength      uint64 `xml:"RegionLength"`
}

// sparseDocument is GDAL's /vsisparse/ descriptor format.
type sparseDocument struct {
	XMLName xml.Name `xml:"VSISparseFile"`
	Length  uint64   `xml:"Length,omitempty"`
	Regions []Region `xml:"SubfileRegion"`
}

// size is the explicit Length, or the end of the furthest region.
func (d *sparseDocument) size() uint64 {
	if d.Length > 0 {
		return d.Length
	}
	var end uint64
	for _, r := range d.Regions {
		if e := r.DestinationOffset + r.RegionLength; e > end {
			end = e
		}
	}
	return end
}

// SparseDescriptor is a virtual file laid out as
//
//	[main header][synthetic TLM][tile-parts and the rest of the file]
//
// Nothing is copied from the source: the header and body regions point back
// into it, the TLM region points at an in-memory buffer. The descriptor owns
// its MemFS entries until Close.
type SparseDescriptor struct {
	name    string
	xmlName string
	tlmName string
	doc     sparseDocument
	mem     *storage.MemFS

	closeOnce sync.Once
}

// SparseDescriptor registers the TLM buffer and the descriptor document in
// mem and returns the descriptor. locator must be filesystem-decorated
// (/vsicurl/, /vsis3/, a local path...); bare URLs fail with
// ErrInvalidLocator before anything is registered.
func (v *VirtualIndex) SparseDescriptor(mem *storage.MemFS, locator string) (*SparseDescriptor, error) {
	if err := storage.ValidateLocator(locator); err != nil {
		return nil, err
	}
	if v.FirstTilePartOffset > v.FileSize {
		return nil, tlmerrors.ErrUnsupportedFormat.
			WithDetail("product_id", v.ProductID).
			Errorf("first tile-part at %d is past the end of a %d byte file", v.FirstTilePartOffset, v.FileSize)
	}

	first := v.FirstTilePartOffset
	tlmLen := uint64(len(v.tlm))

	d := &SparseDescriptor{mem: mem}
	d.tlmName = mem.PutTemp(".tlm", v.tlm)
	d.doc = sparseDocument{
		Length: v.FileSize + tlmLen,
		Regions: []Region{
			{Filename: locator, DestinationOffset: 0, SourceOffset: 0, RegionLength: first},
			{Filename: d.tlmName, DestinationOffset: first, SourceOffset: 0, RegionLength: tlmLen},
			{Filename: locator, DestinationOffset: first + tlmLen, SourceOffset: first, RegionLength: v.FileSize - first},
		},
	}

	content, err := d.XML()
	if err != nil {
		mem.Remove(d.tlmName)
		return nil, err
	}
	d.xmlName = mem.PutTemp(".xml", content)
	d.name = storage.PrefixSparse + d.xmlName

	logger.Debug("Registered sparse descriptor %s for %s (%d byte TLM at %d)", d.name, locator, tlmLen, first)
	return d, nil
}

// Name is the /vsisparse/ path of the virtual file.
func (d *SparseDescriptor) Name() string { return d.name }

// Size is the virtual file size: the source size plus the TLM length.
func (d *SparseDescriptor) Size() uint64 { return d.doc.size() }

// Regions returns a copy of the region list in destination order.
func (d *SparseDescriptor) Regions() []Region {
	return append([]Region(nil), d.doc.Regions...)
}

// XML renders the descriptor document.
func (d *SparseDescriptor) XML() ([]byte, error) {
	out, err := xml.MarshalIndent(&d.doc, "", "  ")
	if err != nil {
		return nil, tlmerrors.ErrInvalidArgument.WithCause(err).WithMessage("cannot render sparse descriptor")
	}
	return out, nil
}

// Close releases the in-memory buffers. It is safe to call more than once.
func (d *SparseDescriptor) Close() error {
	d.closeOnce.Do(func() {
		d.mem.Remove(d.xmlName)
		d.mem.Remove(d.tlmName)
		logger.Debug("Released sparse descriptor %s", d.name)
	})
	return nil
}

func parseSparseDocument(data []byte) (*sparseDocument, error) {
	var doc sparseDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, tlmerrors.ErrUnsupportedFormat.WithCause(err).WithMessage("invalid sparse descriptor")
	}
	return &doc, nil
}
