package tlmget

import (
	"bytes"
	"errors"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util/jp2test"
)

func TestBuildChunkManifest(t *testing.T) {
	f := jp2test.Sentinel2()
	v := mustIndex(t, remoteWith(f))
	ranges, err := v.TileRanges()
	require.NoError(t, err)

	m, err := BuildChunkManifest(testMeta.Path, ranges, jp2util.Sentinel2R10m)
	require.NoError(t, err)

	ref := m.Ref(3, 7)
	assert.Equal(t, testMeta.Path, ref.Path)
	assert.Equal(t, ranges[3*11+7].Offset, ref.Offset)
	assert.Equal(t, ranges[3*11+7].Length, ref.Length)
	assert.Equal(t, ranges[120].Offset, m.Ref(10, 10).Offset)

	_, err = BuildChunkManifest(testMeta.Path, ranges[:120], jp2util.Sentinel2R10m)
	assert.True(t, errors.Is(err, tlmerrors.ErrUnsupportedFormat), "err = %v", err)

	_, err = BuildChunkManifest(testMeta.Path, ranges, jp2util.Geometry{})
	assert.Error(t, err)
}

func TestChunkManifest_WriteKerchunk(t *testing.T) {
	geom := jp2util.Geometry{TileSize: 100, RasterWidth: 250, RasterHeight: 180}
	ranges := jp2util.TileRanges{
		{Offset: 500, Length: 10}, {Offset: 510, Length: 20}, {Offset: 530, Length: 30},
		{Offset: 560, Length: 40}, {Offset: 600, Length: 50}, {Offset: 650, Length: 60},
	}
	m, err := BuildChunkManifest("s3://bucket/B04.jp2", ranges, geom)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.WriteKerchunk(&buf, "B04", map[string]interface{}{"product_id": testProductID}))

	var out struct {
		Version int                    `json:"version"`
		Refs    map[string]interface{} `json:"refs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 1, out.Version)
	assert.Len(t, out.Refs, 3+len(ranges))
	assert.Equal(t, `{"zarr_format":2}`, out.Refs[".zgroup"])
	assert.Equal(t, []interface{}{"s3://bucket/B04.jp2", float64(650), float64(60)}, out.Refs["B04/1.2"])

	var zarray map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out.Refs["B04/.zarray"].(string)), &zarray))
	assert.Equal(t, []interface{}{float64(180), float64(250)}, zarray["shape"])
	assert.Equal(t, []interface{}{float64(100), float64(100)}, zarray["chunks"])
	assert.Equal(t, "<u2", zarray["dtype"])
	assert.Equal(t, float64(2), zarray["zarr_format"])
	assert.Equal(t, TileCodecID, zarray["compressor"].(map[string]interface{})["id"])

	var zattrs map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out.Refs["B04/.zattrs"].(string)), &zattrs))
	assert.Equal(t, []interface{}{"y", "x"}, zattrs["_ARRAY_DIMENSIONS"])
	assert.Equal(t, testProductID, zattrs["product_id"])
}

func TestKerchunk_MultipleArrays(t *testing.T) {
	geom := jp2util.Geometry{TileSize: 10, RasterWidth: 10, RasterHeight: 10}
	k := NewKerchunk()
	for _, band := range []string{"B04", "B08"} {
		m, err := BuildChunkManifest("/data/"+band+".jp2", jp2util.TileRanges{{Offset: 1, Length: 2}}, geom)
		require.NoError(t, err)
		require.NoError(t, k.AddArray(band, m, nil))
	}
	assert.Equal(t, []string{
		".zgroup",
		"B04/.zarray", "B04/.zattrs", "B04/0.0",
		"B08/.zarray", "B08/.zattrs", "B08/0.0",
	}, k.Keys())
}
