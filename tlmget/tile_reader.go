package tlmget

import (
	"bytes"
	"context"
	"sort"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// TileReader fetches single tiles by byte range. For a *VirtualIndex the
// ranges come from the index; for a *NoopIndex they come from the TLM found
// in the file's own main header.
type TileReader struct {
	Storage  storage.Storage
	Geometry jp2util.Geometry
}

func NewTileReader(s storage.Storage, geom jp2util.Geometry) *TileReader {
	return &TileReader{Storage: s, Geometry: geom}
}

// Ranges returns the per-tile byte ranges of the file at locator.
func (r *TileReader) Ranges(ctx context.Context, idx TileIndex, locator string) (jp2util.TileRanges, error) {
	if err := storage.ValidateLocator(locator); err != nil {
		return nil, err
	}
	switch idx := idx.(type) {
	case *VirtualIndex:
		return idx.TileRanges()
	case *NoopIndex:
		ra, err := storage.NewReaderAt(ctx, r.Storage, locator)
		if err != nil {
			return nil, err
		}
		start, _, err := jp2util.LocateCodestream(ra, ra.Size())
		if err != nil {
			return nil, err
		}
		header, err := jp2util.ReadMainHeader(ra, start)
		if err != nil {
			return nil, err
		}
		if header.TLM == nil {
			return nil, tlmerrors.ErrUnsupportedFormat.
				WithDetail("locator", locator).
				WithMessage("file has no TLM and no index supplies one")
		}
		return jp2util.ParseTLM(header.TLM, uint64(header.FirstTilePartOffset))
	default:
		return nil, tlmerrors.ErrInvalidArgument.Errorf("unknown index type %T", idx)
	}
}

// ReadTilePart fetches exactly the bytes of one tile-part.
func (r *TileReader) ReadTilePart(ctx context.Context, idx TileIndex, locator string, tile int) ([]byte, error) {
	ranges, err := r.Ranges(ctx, idx, locator)
	if err != nil {
		return nil, err
	}
	return r.readRange(ctx, ranges, locator, tile)
}

func (r *TileReader) readRange(ctx context.Context, ranges jp2util.TileRanges, locator string, tile int) ([]byte, error) {
	if tile < 0 || tile >= len(ranges) {
		return nil, tlmerrors.ErrInvalidArgument.
			WithDetail("locator", locator).
			Errorf("tile %d outside 0..%d", tile, len(ranges)-1)
	}
	rng := ranges[tile]
	logger.Debug("Reading tile %d of %s at %s", tile, locator, rng)
	return storage.ReadFull(ctx, r.Storage, locator, int64(rng.Offset), int64(rng.Length))
}

// ReadTileCodestream fetches one tile and wraps it into a standalone
// single-tile codestream.
func (r *TileReader) ReadTileCodestream(ctx context.Context, idx TileIndex, locator string, tile int) ([]byte, error) {
	part, err := r.ReadTilePart(ctx, idx, locator, tile)
	if err != nil {
		return nil, err
	}
	return r.buildCodestream(part, tile)
}

func (r *TileReader) buildCodestream(part []byte, tile int) ([]byte, error) {
	if got, err := jp2util.TileIndexOf(part); err == nil && got != tile {
		return nil, tlmerrors.ErrUnsupportedFormat.Errorf("range for tile %d holds tile %d", tile, got)
	}
	return jp2util.BuildTileCodestream(part, r.Geometry)
}

// ReadTiles fetches several tiles of one file, resolving the ranges once.
// Tiles adjacent in the file are fetched with a single request.
func (r *TileReader) ReadTiles(ctx context.Context, idx TileIndex, locator string, tiles []int) (map[int][]byte, error) {
	ranges, err := r.Ranges(ctx, idx, locator)
	if err != nil {
		return nil, err
	}
	for _, tile := range tiles {
		if tile < 0 || tile >= len(ranges) {
			return nil, tlmerrors.ErrInvalidArgument.Errorf("tile %d outside 0..%d", tile, len(ranges)-1)
		}
	}

	out := make(map[int][]byte, len(tiles))
	for _, run := range coalesce(tiles) {
		first, last := ranges[run[0]], ranges[run[len(run)-1]]
		data, err := storage.ReadFull(ctx, r.Storage, locator, int64(first.Offset), int64(last.End()-first.Offset))
		if err != nil {
			return nil, err
		}
		for _, tile := range run {
			start := ranges[tile].Offset - first.Offset
			out[tile] = bytes.Clone(data[start : start+uint64(ranges[tile].Length)])
		}
	}
	return out, nil
}

// coalesce groups sorted, de-duplicated tile numbers into runs of consecutive
// tiles.
func coalesce(tiles []int) [][]int {
	sorted := append([]int(nil), tiles...)
	sort.Ints(sorted)
	var runs [][]int
	for i, t := range sorted {
		if i > 0 && t == sorted[i-1] {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1][len(runs[n-1])-1] == t-1 {
			runs[n-1] = append(runs[n-1], t)
			continue
		}
		runs = append(runs, []int{t})
	}
	return runs
}
