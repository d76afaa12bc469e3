package tlmget

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
)

// TileFilter selects tiles with a boolean expression over the variables
// index, row, col, width, height (clipped pixel size), offset and length
// (byte range in the source file), e.g. "row >= 3 && col < 5 && length > 0".
type TileFilter struct {
	source  string
	program *vm.Program
}

func tileEnv(index, row, col int, width, height uint32, rng jp2util.TileRange) map[string]interface{} {
	return map[string]interface{}{
		"index":  index,
		"row":    row,
		"col":    col,
		"width":  int(width),
		"height": int(height),
		"offset": int(rng.Offset),
		"length": int(rng.Length),
	}
}

// CompileTileFilter type-checks source once.
func CompileTileFilter(source string) (*TileFilter, error) {
	program, err := expr.Compile(source, expr.Env(tileEnv(0, 0, 0, 0, 0, jp2util.TileRange{})), expr.AsBool())
	if err != nil {
		return nil, tlmerrors.ErrInvalidArgument.WithCause(err).WithDetail("filter", source)
	}
	return &TileFilter{source: source, program: program}, nil
}

func (f *TileFilter) String() string { return f.source }

// Select returns the tiles, row-major, matching the filter. A nil filter
// matches every tile.
func (f *TileFilter) Select(geom jp2util.Geometry, ranges jp2util.TileRanges) ([]int, error) {
	if len(ranges) != geom.NumTiles() {
		return nil, tlmerrors.ErrUnsupportedFormat.
			Errorf("%d tile ranges for a %dx%d grid", len(ranges), geom.GridWidth(), geom.GridHeight())
	}

	var tiles []int
	for i, rng := range ranges {
		if f == nil {
			tiles = append(tiles, i)
			continue
		}
		row, col, err := geom.Cell(i)
		if err != nil {
			return nil, err
		}
		w, h := geom.CellSize(row, col)
		out, err := expr.Run(f.program, tileEnv(i, row, col, w, h, rng))
		if err != nil {
			return nil, tlmerrors.ErrInvalidArgument.WithCause(err).WithDetail("filter", f.source)
		}
		if out.(bool) {
			tiles = append(tiles, i)
		}
	}
	return tiles, nil
}
