package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

func readAll(t *testing.T, s Storage, locator string, offset, length int64) string {
	t.Helper()
	rc, err := s.ReadRange(context.Background(), locator, offset, length)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestValidateLocator(t *testing.T) {
	tests := []struct {
		locator string
		wantErr bool
	}{
		{locator: "https://host/path/T32TQM.jp2", wantErr: true},
		{locator: "http://host/a.jp2", wantErr: true},
		{locator: "s3://bucket/key.jp2", wantErr: true},
		{locator: "", wantErr: true},
		{locator: "/vsicurl/https://host/path/T32TQM.jp2"},
		{locator: "/vsis3/bucket/key.jp2"},
		{locator: "/vsimem/abc.tlm"},
		{locator: "/data/T32TQM.jp2"},
		{locator: "relative/T32TQM.jp2"},
	}

	for _, tt := range tests {
		err := ValidateLocator(tt.locator)
		if tt.wantErr {
			assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator), "locator %q: err = %v", tt.locator, err)
		} else {
			assert.NoError(t, err, "locator %q", tt.locator)
		}
	}
}

func TestMemFS(t *testing.T) {
	ctx := context.Background()
	mem := NewMemFS()

	name := mem.PutTemp(".tlm", []byte("0123456789"))
	assert.True(t, strings.HasPrefix(name, PrefixMem))
	assert.True(t, strings.HasSuffix(name, ".tlm"))
	assert.NotEqual(t, name, mem.PutTemp(".tlm", nil), "temp names must be unique")
	assert.Equal(t, 2, mem.Len())

	size, err := mem.Stat(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	assert.Equal(t, "3456", readAll(t, mem, name, 3, 4))
	assert.Equal(t, "789", readAll(t, mem, name, 7, 0))
	assert.Equal(t, "789", readAll(t, mem, name, 7, 100))

	_, err = mem.ReadRange(ctx, name, 11, 1)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument))

	mem.Remove(name)
	mem.Remove(name)
	_, err = mem.Stat(ctx, name)
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound))
	assert.Equal(t, 1, mem.Len())
}

func TestMemFS_PutCopies(t *testing.T) {
	mem := NewMemFS()
	data := []byte("abc")
	mem.Put("/vsimem/x", data)
	data[0] = 'z'

	got, ok := mem.Get("/vsimem/x")
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestMockStorage_RecordsReads(t *testing.T) {
	m := NewMockStorage()
	m.AddBlob("/vsicurl/https://h/a.jp2", []byte("hello world"))

	assert.Equal(t, "world", readAll(t, m, "/vsicurl/https://h/a.jp2", 6, 5))
	assert.Equal(t, "hello world", readAll(t, m, "/vsicurl/https://h/a.jp2", 0, 0))
	assert.Equal(t, []ReadRecord{
		{Locator: "/vsicurl/https://h/a.jp2", Offset: 6, Length: 5},
		{Locator: "/vsicurl/https://h/a.jp2", Offset: 0, Length: 11},
	}, m.Reads())

	m.ResetReads()
	assert.Empty(t, m.Reads())

	boom := errors.New("boom")
	m.FailWith("/vsicurl/https://h/a.jp2", boom)
	_, err := m.ReadRange(context.Background(), "/vsicurl/https://h/a.jp2", 0, 1)
	assert.ErrorIs(t, err, boom)
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tile.jp2")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0644))

	s := NewLocalStorage()
	size, err := s.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	assert.Equal(t, "cde", readAll(t, s, path, 2, 3))
	assert.Equal(t, "hij", readAll(t, s, path, 7, -1))

	_, err = s.ReadRange(ctx, path, 20, 1)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument))

	missing := filepath.Join(t.TempDir(), "missing.jp2")
	_, err = s.Stat(ctx, missing)
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound))
	_, err = s.ReadRange(ctx, missing, 0, 1)
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound))
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	mem := NewMemFS()
	mem.Put("/vsimem/a", []byte("memory"))
	remote := NewMockStorage()
	remote.AddBlob("/vsicurl/https://h/a.jp2", []byte("remote"))
	remote.AddBlob("/vsis3/bucket/a.jp2", []byte("s3"))
	local := NewMockStorage()
	local.AddBlob("/data/a.jp2", []byte("local"))

	r := NewRouter(mem, remote, local)

	assert.Equal(t, "memory", readAll(t, r, "/vsimem/a", 0, 0))
	assert.Equal(t, "remote", readAll(t, r, "/vsicurl/https://h/a.jp2", 0, 0))
	assert.Equal(t, "s3", readAll(t, r, "/vsis3/bucket/a.jp2", 0, 0))
	assert.Equal(t, "local", readAll(t, r, "/data/a.jp2", 0, 0))

	_, err := r.Stat(ctx, "https://h/a.jp2")
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator))
	_, err = r.Stat(ctx, "/vsizip/archive.zip/a.jp2")
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator))

	override := NewMockStorage()
	override.AddBlob("/vsimem/special/a", []byte("override"))
	r.Handle("/vsimem/special/", override)
	assert.Equal(t, "override", readAll(t, r, "/vsimem/special/a", 0, 0))
	assert.Equal(t, "memory", readAll(t, r, "/vsimem/a", 0, 0))
}

func TestReaderAt(t *testing.T) {
	m := NewMockStorage()
	m.AddBlob("/vsimem/f", []byte("0123456789"))

	r, err := NewReaderAt(context.Background(), m, "/vsimem/f")
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Size())

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(buf[:n]))

	n, err = r.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "89", string(buf[:n]))

	n, err = r.ReadAt(buf, 10)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	_, err = NewReaderAt(context.Background(), m, "/vsimem/missing")
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound))
}

func TestReadFull(t *testing.T) {
	m := NewMockStorage()
	m.AddBlob("/vsimem/f", []byte("0123456789"))
	ctx := context.Background()

	data, err := ReadFull(ctx, m, "/vsimem/f", 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "456", string(data))

	_, err = ReadFull(ctx, m, "/vsimem/f", 8, 5)
	assert.True(t, errors.Is(err, tlmerrors.ErrRangeRead))

	_, err = ReadFull(ctx, m, "/vsimem/f", 0, 0)
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidArgument))
}
