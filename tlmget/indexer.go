package tlmget

import (
	"context"

	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// IndexFile builds the index of the file at locator. A file with its own TLM
// yields a *NoopIndex. Otherwise the tile-parts are walked SOT to SOT, which
// costs one small read per tile, and a TLM listing them is synthesized.
func IndexFile(ctx context.Context, s storage.Storage, locator string, meta Metadata) (TileIndex, *jp2util.MainHeader, error) {
	if err := storage.ValidateLocator(locator); err != nil {
		return nil, nil, err
	}
	ra, err := storage.NewReaderAt(ctx, s, locator)
	if err != nil {
		return nil, nil, err
	}

	start, end, err := jp2util.LocateCodestream(ra, ra.Size())
	if err != nil {
		return nil, nil, err
	}
	header, err := jp2util.ReadMainHeader(ra, start)
	if err != nil {
		return nil, nil, err
	}
	if header.TLM != nil {
		logger.Info("%s already carries a %d byte TLM", locator, len(header.TLM))
		return &NoopIndex{Metadata: meta}, header, nil
	}

	parts, err := jp2util.ScanTileParts(ra, header.FirstTilePartOffset, end)
	if err != nil {
		return nil, nil, err
	}
	lengths := make([]uint32, len(parts))
	for i, p := range parts {
		lengths[i] = uint32(p.Length)
	}
	tlm, err := jp2util.EncodeTLM(lengths, jp2util.DefaultTLMStyle)
	if err != nil {
		return nil, nil, err
	}

	idx := NewVirtualIndex(meta, uint64(ra.Size()), uint64(header.FirstTilePartOffset), tlm)
	ranges, err := idx.TileRanges()
	if err != nil {
		return nil, nil, err
	}
	if err := ranges.Validate(idx.FileSize); err != nil {
		return nil, nil, err
	}

	logger.Info("Indexed %s: %d tile-parts, first at %d", locator, len(parts), header.FirstTilePartOffset)
	return idx, header, nil
}
