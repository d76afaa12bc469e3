package tlmget

import (
	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
)

// Window is a pixel rectangle of a raster.
type Window struct {
	X, Y          int
	Width, Height int
}

// TilesForWindow lists, row-major, the tiles a window overlaps. The window
// is clipped to the raster; a window that is empty or entirely outside fails
// with ErrInvalidArgument.
func TilesForWindow(geom jp2util.Geometry, w Window) ([]int, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if w.Width <= 0 || w.Height <= 0 {
		return nil, tlmerrors.ErrInvalidArgument.Errorf("empty window %dx%d", w.Width, w.Height)
	}

	x0, y0 := max(w.X, 0), max(w.Y, 0)
	x1 := min(w.X+w.Width, int(geom.RasterWidth))
	y1 := min(w.Y+w.Height, int(geom.RasterHeight))
	if x0 >= x1 || y0 >= y1 {
		return nil, tlmerrors.ErrInvalidArgument.
			Errorf("window %+v outside %dx%d raster", w, geom.RasterWidth, geom.RasterHeight)
	}

	ts := int(geom.TileSize)
	var tiles []int
	for row := y0 / ts; row <= (y1-1)/ts; row++ {
		for col := x0 / ts; col <= (x1-1)/ts; col++ {
			tiles = append(tiles, geom.Index(row, col))
		}
	}
	return tiles, nil
}
