package tlmget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/tlm-get/tlmget/jp2util/jp2test"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

const (
	testProductID = "S2B_MSIL2A_20240612T103629_N0510_R008_T32TQM_20240612T134418"
	testLocator   = "/vsicurl/https://example.com/T32TQM_20240612T103629_B04_10m.jp2"
)

var testMeta = Metadata{
	ProductID: testProductID,
	BandID:    "B04",
	Path:      "/Sentinel-2/MSI/L2A/2024/06/12/T32TQM_20240612T103629_B04_10m.jp2",
}

// remoteWith serves f at testLocator.
func remoteWith(f *jp2test.File) *storage.MockStorage {
	m := storage.NewMockStorage()
	m.AddBlob(testLocator, f.Data)
	return m
}

// mustIndex indexes a file that has no TLM of its own.
func mustIndex(t *testing.T, s storage.Storage) *VirtualIndex {
	t.Helper()
	idx, _, err := IndexFile(context.Background(), s, testLocator, testMeta)
	require.NoError(t, err)
	v, ok := idx.(*VirtualIndex)
	require.True(t, ok, "expected a virtual index, got %T", idx)
	return v
}
