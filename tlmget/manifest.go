package tlmget

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/segmentio/encoding/json"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
)

// TileCodecID names the codec that turns a referenced tile-part into pixels
// (by wrapping it with BuildTileCodestream and decoding).
const TileCodecID = "tlmget.jp2tile"

// ChunkRef points at the bytes of one chunk.
type ChunkRef struct {
	Path   string
	Offset uint64
	Length uint32
}

// ChunkManifest maps every tile of a raster to its byte range, so that an
// array store can read tiles directly from the original file.
type ChunkManifest struct {
	Geometry jp2util.Geometry
	refs     []ChunkRef // row-major
}

// BuildChunkManifest requires exactly one range per grid cell.
func BuildChunkManifest(path string, ranges jp2util.TileRanges, geom jp2util.Geometry) (*ChunkManifest, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if len(ranges) != geom.NumTiles() {
		return nil, tlmerrors.ErrUnsupportedFormat.
			Errorf("%d tile ranges for a %dx%d grid", len(ranges), geom.GridWidth(), geom.GridHeight())
	}
	m := &ChunkManifest{Geometry: geom, refs: make([]ChunkRef, len(ranges))}
	for i, r := range ranges {
		m.refs[i] = ChunkRef{Path: path, Offset: r.Offset, Length: r.Length}
	}
	return m, nil
}

// Ref returns the chunk at (row, col).
func (m *ChunkManifest) Ref(row, col int) ChunkRef {
	return m.refs[m.Geometry.Index(row, col)]
}

// Kerchunk collects arrays into a kerchunk reference set (version 1, zarr v2
// metadata).
type Kerchunk struct {
	refs map[string]interface{}
}

func NewKerchunk() *Kerchunk {
	return &Kerchunk{refs: map[string]interface{}{
		".zgroup": `{"zarr_format":2}`,
	}}
}

type zarrayMeta struct {
	Chunks     []uint32               `json:"chunks"`
	Compressor map[string]interface{} `json:"compressor"`
	DType      string                 `json:"dtype"`
	FillValue  int                    `json:"fill_value"`
	Filters    []interface{}          `json:"filters"`
	Order      string                 `json:"order"`
	Shape      []uint32               `json:"shape"`
	ZarrFormat int                    `json:"zarr_format"`
}

// tileArrayMeta describes a uint16 raster chunked by tile. A leading time
// dimension of length steps is added when steps > 0.
func tileArrayMeta(g jp2util.Geometry, steps int) zarrayMeta {
	meta := zarrayMeta{
		Chunks: []uint32{g.TileSize, g.TileSize},
		Compressor: map[string]interface{}{
			"id":            TileCodecID,
			"tile_size":     g.TileSize,
			"raster_width":  g.RasterWidth,
			"raster_height": g.RasterHeight,
		},
		DType:      "<u2",
		Order:      "C",
		Shape:      []uint32{g.RasterHeight, g.RasterWidth},
		ZarrFormat: 2,
	}
	if steps > 0 {
		meta.Chunks = append([]uint32{1}, meta.Chunks...)
		meta.Shape = append([]uint32{uint32(steps)}, meta.Shape...)
	}
	return meta
}

func (k *Kerchunk) putMeta(name string, zarray zarrayMeta, attrs map[string]interface{}) error {
	za, err := json.Marshal(zarray)
	if err != nil {
		return err
	}
	zt, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	k.refs[name+"/.zarray"] = string(za)
	k.refs[name+"/.zattrs"] = string(zt)
	return nil
}

// putChunks adds the tile references of m under name, each key prefixed by
// keyPrefix ("" or "<t>.").
func (k *Kerchunk) putChunks(name, keyPrefix string, m *ChunkManifest) {
	g := m.Geometry
	for row := 0; row < g.GridHeight(); row++ {
		for col := 0; col < g.GridWidth(); col++ {
			ref := m.Ref(row, col)
			k.refs[fmt.Sprintf("%s/%s%d.%d", name, keyPrefix, row, col)] = []interface{}{ref.Path, ref.Offset, ref.Length}
		}
	}
}

// AddArray adds a uint16 (y, x) array named name backed by m. attrs are
// merged into the array attributes.
func (k *Kerchunk) AddArray(name string, m *ChunkManifest, attrs map[string]interface{}) error {
	allAttrs := map[string]interface{}{"_ARRAY_DIMENSIONS": []string{"y", "x"}}
	for key, v := range attrs {
		allAttrs[key] = v
	}
	if err := k.putMeta(name, tileArrayMeta(m.Geometry, 0), allAttrs); err != nil {
		return err
	}
	k.putChunks(name, "", m)
	return nil
}

// TimeUnits is the CF encoding of the time coordinate.
const TimeUnits = "seconds since 1970-01-01T00:00:00"

// AddDatacube adds one (time, y, x) array per band and a time coordinate
// holding the sensing times, inlined as little-endian int64 seconds.
func (k *Kerchunk) AddDatacube(c *Datacube) error {
	steps := len(c.Slices)
	if steps == 0 || len(c.Bands) == 0 {
		return tlmerrors.ErrInvalidArgument.WithMessage("empty datacube")
	}

	times := make([]byte, 8*steps)
	productIDs := make([]string, steps)
	for t, slice := range c.Slices {
		binary.LittleEndian.PutUint64(times[8*t:], uint64(slice.SensingTime.Unix()))
		productIDs[t] = slice.ProductID
	}
	err := k.putMeta("time", zarrayMeta{
		Chunks:     []uint32{uint32(steps)},
		DType:      "<i8",
		Order:      "C",
		Shape:      []uint32{uint32(steps)},
		ZarrFormat: 2,
	}, map[string]interface{}{
		"_ARRAY_DIMENSIONS": []string{"time"},
		"units":             TimeUnits,
		"calendar":          "proleptic_gregorian",
	})
	if err != nil {
		return err
	}
	k.refs["time/0"] = "base64:" + base64.StdEncoding.EncodeToString(times)

	for _, band := range c.Bands {
		first := c.Manifest(0, band)
		for t := range c.Slices {
			if m := c.Manifest(t, band); m.Geometry != first.Geometry {
				return tlmerrors.ErrUnsupportedFormat.
					WithDetail("band", band).
					WithDetail("product_id", c.Slices[t].ProductID).
					WithMessage("band geometry differs across time")
			}
		}
		attrs := map[string]interface{}{
			"_ARRAY_DIMENSIONS": []string{"time", "y", "x"},
			"band_id":           band,
			"product_ids":       productIDs,
		}
		if err := k.putMeta(band, tileArrayMeta(first.Geometry, steps), attrs); err != nil {
			return err
		}
		for t := range c.Slices {
			k.putChunks(band, fmt.Sprintf("%d.", t), c.Manifest(t, band))
		}
	}
	return nil
}

// Keys lists the reference keys in sorted order.
func (k *Kerchunk) Keys() []string {
	keys := make([]string, 0, len(k.refs))
	for key := range k.refs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// WriteTo writes the reference set as indented JSON.
func (k *Kerchunk) WriteTo(w io.Writer) (int64, error) {
	out, err := json.MarshalIndent(map[string]interface{}{
		"version": 1,
		"refs":    k.refs,
	}, "", "  ")
	if err != nil {
		return 0, err
	}
	out = append(out, '\n')
	n, err := w.Write(out)
	return int64(n), err
}

// WriteKerchunk writes a single-array reference set.
func (m *ChunkManifest) WriteKerchunk(w io.Writer, group string, attrs map[string]interface{}) error {
	k := NewKerchunk()
	if err := k.AddArray(group, m, attrs); err != nil {
		return err
	}
	_, err := k.WriteTo(w)
	return err
}
