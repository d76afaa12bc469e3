package tlmget

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

func TestSparseDescriptor_Regions(t *testing.T) {
	mem := storage.NewMemFS()
	v := NewVirtualIndex(testMeta, 1_000_000, 200, make([]byte, 50))

	d, err := v.SparseDescriptor(mem, testLocator)
	require.NoError(t, err)
	defer d.Close()

	regions := d.Regions()
	require.Len(t, regions, 3)
	tlmName := regions[1].Filename
	assert.True(t, strings.HasPrefix(tlmName, storage.PrefixMem), "tlm buffer %q", tlmName)
	assert.True(t, strings.HasSuffix(tlmName, ".tlm"), "tlm buffer %q", tlmName)

	want := []Region{
		{Filename: testLocator, DestinationOffset: 0, SourceOffset: 0, RegionLength: 200},
		{Filename: tlmName, DestinationOffset: 200, SourceOffset: 0, RegionLength: 50},
		{Filename: testLocator, DestinationOffset: 250, SourceOffset: 200, RegionLength: 999_800},
	}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1_000_050), d.Size())
	assert.True(t, strings.HasPrefix(d.Name(), storage.PrefixSparse+storage.PrefixMem), "name %q", d.Name())
	assert.Equal(t, 2, mem.Len())

	buf, ok := mem.Get(tlmName)
	require.True(t, ok)
	assert.Len(t, buf, 50)
}

func TestSparseDescriptor_XML(t *testing.T) {
	mem := storage.NewMemFS()
	v := NewVirtualIndex(testMeta, 1_000_000, 200, make([]byte, 50))
	d, err := v.SparseDescriptor(mem, testLocator)
	require.NoError(t, err)
	defer d.Close()

	content, err := d.XML()
	require.NoError(t, err)
	text := string(content)
	assert.True(t, strings.HasPrefix(text, "<VSISparseFile>"), text)
	assert.Contains(t, text, "<Length>1000050</Length>")
	assert.Equal(t, 3, strings.Count(text, "<SubfileRegion>"))
	assert.Contains(t, text, "<Filename>"+testLocator+"</Filename>")
	assert.Contains(t, text, "<RegionLength>999800</RegionLength>")

	// the registered document is the rendered one
	stored, ok := mem.Get(strings.TrimPrefix(d.Name(), storage.PrefixSparse))
	require.True(t, ok)
	assert.Equal(t, content, stored)

	doc, err := parseSparseDocument(stored)
	require.NoError(t, err)
	assert.Equal(t, d.Regions(), doc.Regions)
	assert.Equal(t, uint64(1_000_050), doc.size())
}

func TestSparseDescriptor_Close(t *testing.T) {
	mem := storage.NewMemFS()
	v := NewVirtualIndex(testMeta, 1000, 10, []byte{1, 2, 3})
	d, err := v.SparseDescriptor(mem, testLocator)
	require.NoError(t, err)
	require.Equal(t, 2, mem.Len())

	require.NoError(t, d.Close())
	assert.Equal(t, 0, mem.Len())
	require.NoError(t, d.Close())
	assert.Equal(t, 0, mem.Len())
}

func TestSparseDescriptor_Locators(t *testing.T) {
	v := NewVirtualIndex(testMeta, 1000, 10, []byte{1, 2, 3})

	for _, loc := range []string{
		"/vsicurl/https://example.com/a.jp2",
		"/vsis3/bucket/a.jp2",
		"/data/a.jp2",
	} {
		mem := storage.NewMemFS()
		d, err := v.SparseDescriptor(mem, loc)
		require.NoError(t, err, loc)
		assert.Equal(t, loc, d.Regions()[0].Filename)
		d.Close()
	}

	for _, loc := range []string{"https://example.com/a.jp2", "s3://bucket/a.jp2"} {
		mem := storage.NewMemFS()
		_, err := v.SparseDescriptor(mem, loc)
		assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator), "%s: %v", loc, err)
		assert.Equal(t, 0, mem.Len(), "nothing should be registered for %s", loc)
	}
}

func TestSparseDescriptor_FirstTilePartPastEnd(t *testing.T) {
	mem := storage.NewMemFS()
	v := NewVirtualIndex(testMeta, 100, 101, []byte{1})
	_, err := v.SparseDescriptor(mem, testLocator)
	assert.True(t, errors.Is(err, tlmerrors.ErrUnsupportedFormat), "err = %v", err)
	assert.Equal(t, 0, mem.Len())
}

func TestSparseDescriptor_EmptyHeaderRegion(t *testing.T) {
	mem := storage.NewMemFS()
	v := NewVirtualIndex(testMeta, 100, 100, []byte{1, 2})
	d, err := v.SparseDescriptor(mem, testLocator)
	require.NoError(t, err)
	defer d.Close()

	regions := d.Regions()
	assert.Equal(t, uint64(100), regions[0].RegionLength)
	assert.Equal(t, uint64(0), regions[2].RegionLength)
	assert.Equal(t, uint64(102), d.Size())
}

func TestPlanPieces(t *testing.T) {
	regions := []Region{
		{Filename: "/a", DestinationOffset: 0, SourceOffset: 100, RegionLength: 4},
		{Filename: "/b", DestinationOffset: 10, SourceOffset: 0, RegionLength: 2},
		{Filename: "/c", DestinationOffset: 12, SourceOffset: 0, RegionLength: 0},
	}

	got := planPieces(regions, 2, 12)
	want := []piece{
		{source: "/a", offset: 102, length: 2},
		{length: 6},
		{source: "/b", offset: 0, length: 2},
	}
	assert.Equal(t, want, got)

	assert.Empty(t, planPieces(regions, 5, 5))
	assert.Equal(t, []piece{{length: 3}}, planPieces(regions, 5, 8))
}

func TestSparseFS_ZeroFill(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemFS()
	mem.Put("/vsimem/src", []byte("abcdefgh"))
	doc := `<VSISparseFile>
  <Length>16</Length>
  <SubfileRegion>
    <Filename>/vsimem/src</Filename>
    <DestinationOffset>2</DestinationOffset>
    <SourceOffset>4</SourceOffset>
    <RegionLength>4</RegionLength>
  </SubfileRegion>
</VSISparseFile>`
	mem.Put("/vsimem/doc.xml", []byte(doc))

	router := storage.NewRouter(mem, nil, nil)
	fs := NewSparseFS(router)
	router.Handle(storage.PrefixSparse, fs)

	size, err := router.Stat(ctx, "/vsisparse//vsimem/doc.xml")
	require.NoError(t, err)
	assert.Equal(t, int64(16), size)

	data, err := storage.ReadFull(ctx, router, "/vsisparse//vsimem/doc.xml", 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00efgh\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"), data)

	rc, err := router.ReadRange(ctx, "/vsisparse//vsimem/doc.xml", 4, 0)
	require.NoError(t, err)
	rest, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, 12, len(rest))
	assert.Equal(t, []byte("gh"), rest[:2])

	_, err = fs.ReadRange(ctx, "/vsisparse//vsimem/doc.xml", 17, 1)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument), "err = %v", err)

	_, err = fs.Stat(ctx, "/vsimem/doc.xml")
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator), "err = %v", err)

	_, err = fs.Stat(ctx, "/vsisparse//vsimem/missing.xml")
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound), "err = %v", err)
}

// countingStorage counts the ranged reads of one locator.
type countingStorage struct {
	storage.Storage
	locator string
	mu      sync.Mutex
	reads   int
}

func (c *countingStorage) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	if locator == c.locator {
		c.mu.Lock()
		c.reads++
		c.mu.Unlock()
	}
	return c.Storage.ReadRange(ctx, locator, offset, length)
}

func TestSparseFS_ParsesDocumentOnce(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemFS()
	mem.Put("/vsimem/src", []byte("abcdefgh"))
	mem.Put("/vsimem/doc.xml", []byte(`<VSISparseFile>
  <Length>8</Length>
  <SubfileRegion>
    <Filename>/vsimem/src</Filename>
    <DestinationOffset>0</DestinationOffset>
    <SourceOffset>0</SourceOffset>
    <RegionLength>8</RegionLength>
  </SubfileRegion>
</VSISparseFile>`))
	counting := &countingStorage{Storage: mem, locator: "/vsimem/doc.xml"}
	fs := NewSparseFS(counting)
	const loc = "/vsisparse//vsimem/doc.xml"

	for i := 0; i < 3; i++ {
		data, err := storage.ReadFull(ctx, fs, loc, int64(i), 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcdefgh")[i:i+2], data)
	}
	size, err := fs.Stat(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.Equal(t, 1, counting.reads)

	fs.Evict(loc)
	mem.Remove("/vsimem/doc.xml")
	_, err = fs.Stat(ctx, loc)
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound), "err = %v", err)
}

func TestSparseFS_InvalidDocument(t *testing.T) {
	mem := storage.NewMemFS()
	mem.Put("/vsimem/bad.xml", []byte("<VSISparseFile><SubfileRegion>"))
	fs := NewSparseFS(mem)

	_, err := fs.Stat(context.Background(), "/vsisparse//vsimem/bad.xml")
	assert.True(t, errors.Is(err, tlmerrors.ErrUnsupportedFormat), "err = %v", err)
}

func TestExactReader_Short(t *testing.T) {
	r := &exactReader{rc: io.NopCloser(strings.NewReader("ab")), remaining: 4}
	data, err := io.ReadAll(r)
	assert.Equal(t, []byte("ab"), data)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	r = &exactReader{rc: io.NopCloser(strings.NewReader("abcdef")), remaining: 4}
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), data)
}
