package jp2util

import (
	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// Geometry describes how a raster is cut into square tiles, anchored at the
// top-left corner with no image or tile offsets.
type Geometry struct {
	TileSize     uint32
	RasterWidth  uint32
	RasterHeight uint32
}

// Sentinel2R10m is the tiling of Sentinel-2 10 m bands: 11x11 tiles of 1024 px.
var Sentinel2R10m = Geometry{TileSize: 1024, RasterWidth: 10980, RasterHeight: 10980}

// Validate rejects degenerate geometries.
func (g Geometry) Validate() error {
	if g.TileSize == 0 || g.RasterWidth == 0 || g.RasterHeight == 0 {
		return tlmerrors.ErrInvalidArgument.
			Errorf("geometry %dx%d with tile size %d is empty", g.RasterWidth, g.RasterHeight, g.TileSize)
	}
	return nil
}

// GridWidth is the number of tile columns.
func (g Geometry) GridWidth() int {
	return int((g.RasterWidth + g.TileSize - 1) / g.TileSize)
}

// GridHeight is the number of tile rows.
func (g Geometry) GridHeight() int {
	return int((g.RasterHeight + g.TileSize - 1) / g.TileSize)
}

// NumTiles is the number of grid cells.
func (g Geometry) NumTiles() int {
	return g.GridWidth() * g.GridHeight()
}

// Cell maps a row-major tile index to its grid cell.
func (g Geometry) Cell(index int) (row, col int, err error) {
	if err := g.Validate(); err != nil {
		return 0, 0, err
	}
	if index < 0 || index >= g.NumTiles() {
		return 0, 0, tlmerrors.ErrInvalidArgument.
			Errorf("tile %d outside %dx%d grid", index, g.GridWidth(), g.GridHeight())
	}
	return index / g.GridWidth(), index % g.GridWidth(), nil
}

// Index maps a grid cell back to its row-major tile index.
func (g Geometry) Index(row, col int) int {
	return row*g.GridWidth() + col
}

// CellSize returns the pixel size of a cell; the last column and row are
// clipped to what remains of the raster.
func (g Geometry) CellSize(row, col int) (width, height uint32) {
	width, height = g.TileSize, g.TileSize
	if col == g.GridWidth()-1 {
		width = g.RasterWidth - uint32(g.GridWidth()-1)*g.TileSize
	}
	if row == g.GridHeight()-1 {
		height = g.RasterHeight - uint32(g.GridHeight()-1)*g.TileSize
	}
	return width, height
}
