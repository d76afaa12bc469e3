// Package tlmget reads tiles of large tiled JPEG2000 rasters on byte-range
// storage without downloading whole files.
//
// Many archived Sentinel-2 JP2 files lack a TLM marker, so a reader cannot
// seek to a tile without scanning every tile-part header. An index, produced
// once by IndexFile and distributed through a Catalog, carries the missing
// TLM segment. Open splices it in front of the first tile-part through a
// zero-copy sparse descriptor; TileReader and Extractor use the same index
// to fetch single tile-parts and rewrap them as standalone codestreams.
package tlmget
