package tlmget

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util/jp2test"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

type foreignIndex struct{}

func (foreignIndex) Meta() Metadata { return Metadata{} }
func (foreignIndex) isTileIndex()   {}

func TestTileReader_ReadTilePart(t *testing.T) {
	ctx := context.Background()
	f := jp2test.New(jp2test.Options{Geometry: openGrid, JP2: true})
	remote := remoteWith(f)
	v := mustIndex(t, remote)
	r := NewTileReader(remote, openGrid)

	remote.ResetReads()
	part, err := r.ReadTilePart(ctx, v, testLocator, 5)
	require.NoError(t, err)
	assert.Equal(t, f.TilePart(5), part)

	ranges, err := v.TileRanges()
	require.NoError(t, err)
	assert.Equal(t, []storage.ReadRecord{
		{Locator: testLocator, Offset: int64(ranges[5].Offset), Length: int64(ranges[5].Length)},
	}, remote.Reads(), "a virtual index needs no header read")
}

func TestTileReader_ReadTileCodestream(t *testing.T) {
	ctx := context.Background()
	f := jp2test.New(jp2test.Options{Geometry: openGrid})
	remote := remoteWith(f)
	v := mustIndex(t, remote)
	r := NewTileReader(remote, openGrid)

	// row 0, col 3: the right edge column is 1000 - 3*256 = 232 pixels wide
	out, err := r.ReadTileCodestream(ctx, v, testLocator, 3)
	require.NoError(t, err)
	assert.Len(t, out, 82+len(f.TilePart(3))+2)
	assert.Equal(t, []byte{0xFF, 0x4F}, out[:2])
	assert.Equal(t, []byte{0xFF, 0xD9}, out[len(out)-2:])

	header, err := jp2util.ReadMainHeader(bytes.NewReader(out), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(232), header.SIZ.Width)
	assert.Equal(t, uint32(256), header.SIZ.Height)
	assert.Equal(t, int64(82), header.FirstTilePartOffset)

	isot, err := jp2util.TileIndexOf(out[82:])
	require.NoError(t, err)
	assert.Equal(t, 0, isot)
}

func TestTileReader_MisalignedIndex(t *testing.T) {
	ctx := context.Background()
	f := jp2test.New(jp2test.Options{
		Geometry:    openGrid,
		PayloadSize: func(int) int { return 50 },
	})
	remote := remoteWith(f)

	// every range is shifted by one tile-part
	shifted := NewVirtualIndex(testMeta, f.Size(), uint64(f.FirstSOT)+uint64(f.Lengths[0]), f.TLM)
	_, err := NewTileReader(remote, openGrid).ReadTileCodestream(ctx, shifted, testLocator, 2)
	assert.True(t, errors.Is(err, tlmerrors.ErrUnsupportedFormat), "err = %v", err)
}

func TestTileReader_NoopIndex(t *testing.T) {
	ctx := context.Background()
	noop := &NoopIndex{Metadata: testMeta}

	f := jp2test.New(jp2test.Options{Geometry: openGrid, TLM: true, JP2: true})
	remote := remoteWith(f)
	r := NewTileReader(remote, openGrid)

	ranges, err := r.Ranges(ctx, noop, testLocator)
	require.NoError(t, err)
	require.Len(t, ranges, openGrid.NumTiles())
	assert.Equal(t, uint64(f.FirstSOT), ranges[0].Offset)

	part, err := r.ReadTilePart(ctx, noop, testLocator, 11)
	require.NoError(t, err)
	assert.Equal(t, f.TilePart(11), part)

	bare := remoteWith(jp2test.New(jp2test.Options{Geometry: openGrid}))
	_, err = NewTileReader(bare, openGrid).Ranges(ctx, noop, testLocator)
	assert.True(t, errors.Is(err, tlmerrors.ErrUnsupportedFormat), "err = %v", err)
}

func TestTileReader_Errors(t *testing.T) {
	ctx := context.Background()
	f := jp2test.New(jp2test.Options{Geometry: openGrid})
	remote := remoteWith(f)
	v := mustIndex(t, remote)
	r := NewTileReader(remote, openGrid)

	for _, tile := range []int{-1, openGrid.NumTiles()} {
		_, err := r.ReadTilePart(ctx, v, testLocator, tile)
		assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument), "tile %d: err = %v", tile, err)
	}

	_, err := r.ReadTilePart(ctx, v, "https://example.com/a.jp2", 0)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator), "err = %v", err)

	_, err = r.Ranges(ctx, foreignIndex{}, testLocator)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument), "err = %v", err)

	_, err = r.ReadTiles(ctx, v, testLocator, []int{0, 99})
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument), "err = %v", err)
}

func TestTileReader_ReadTiles(t *testing.T) {
	ctx := context.Background()
	f := jp2test.New(jp2test.Options{Geometry: openGrid})
	remote := remoteWith(f)
	v := mustIndex(t, remote)
	r := NewTileReader(remote, openGrid)

	remote.ResetReads()
	tiles, err := r.ReadTiles(ctx, v, testLocator, []int{7, 1, 0, 2, 5, 7})
	require.NoError(t, err)
	require.Len(t, tiles, 5)
	for tile, part := range tiles {
		assert.Equal(t, f.TilePart(tile), part, "tile %d", tile)
	}
	assert.Len(t, remote.Reads(), 3, "tiles 0-2 should share one request")
}

func TestCoalesce(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1, 2}, {5}, {7, 8}}, coalesce([]int{8, 2, 1, 7, 5, 0, 1}))
	assert.Nil(t, coalesce(nil))
}
