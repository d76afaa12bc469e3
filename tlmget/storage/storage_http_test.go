package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

var httpContent = []byte("the quick brown fox jumps over the lazy dog")

func serveContent(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "a.jp2", time.Time{}, bytes.NewReader(httpContent))
}

func TestHTTPStorage_RangeReads(t *testing.T) {
	var gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Test"))
		if r.URL.Path == "/missing.jp2" {
			http.NotFound(w, r)
			return
		}
		serveContent(w, r)
	}))
	defer srv.Close()

	s := NewHTTPStorage(HTTPOptions{Headers: map[string]string{"X-Test": "yes"}})
	locator := PrefixCurl + srv.URL + "/a.jp2"
	ctx := context.Background()

	size, err := s.Stat(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, int64(len(httpContent)), size)

	assert.Equal(t, "quick", readAll(t, s, locator, 4, 5))
	assert.Equal(t, "lazy dog", readAll(t, s, locator, 35, 0))
	assert.Equal(t, "yes", gotHeader.Load())

	_, err = s.Stat(ctx, PrefixCurl+srv.URL+"/missing.jp2")
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound), "err = %v", err)
	_, err = s.ReadRange(ctx, PrefixCurl+srv.URL+"/missing.jp2", 0, 4)
	assert.True(t, errors.Is(err, tlmerrors.ErrNotFound), "err = %v", err)
}

func TestHTTPStorage_S3Endpoint(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		serveContent(w, r)
	}))
	defer srv.Close()

	s := NewHTTPStorage(HTTPOptions{S3Endpoint: srv.URL + "/"})
	assert.Equal(t, "brown", readAll(t, s, "/vsis3/sentinel-cogs/tiles/32/T/QM/B04.jp2", 10, 5))
	assert.Equal(t, "/sentinel-cogs/tiles/32/T/QM/B04.jp2", gotPath.Load())

	_, err := s.URL("/vsis3/bucket-only")
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator))
	_, err = s.URL("/vsicurl/ftp://host/a.jp2")
	assert.True(t, errors.Is(err, tlmerrors.ErrInvalidLocator))
}

func TestHTTPStorage_Retry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveContent(w, r)
	}))
	defer srv.Close()

	s := NewHTTPStorage(HTTPOptions{MaxRetry: 2, RetryDelay: time.Millisecond})
	assert.Equal(t, "fox", readAll(t, s, PrefixCurl+srv.URL+"/a.jp2", 16, 3))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, -10)
	_, err := s.ReadRange(context.Background(), PrefixCurl+srv.URL+"/a.jp2", 0, 3)
	assert.True(t, errors.Is(err, tlmerrors.ErrRangeRead), "err = %v", err)
}

func TestHTTPStorage_IgnoredRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Allow", "GET")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") == "bytes=0-0" {
			serveContent(w, r)
			return
		}
		_, _ = w.Write(httpContent)
	}))
	defer srv.Close()

	s := NewHTTPStorage(HTTPOptions{})
	locator := PrefixCurl + srv.URL + "/a.jp2"

	size, err := s.Stat(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, int64(len(httpContent)), size)
	assert.Equal(t, "jumps", readAll(t, s, locator, 20, 5))
	assert.True(t, strings.HasSuffix(readAll(t, s, locator, 40, 0), "dog"))
}

func TestParseContentRangeSize(t *testing.T) {
	size, err := parseContentRangeSize("bytes 0-0/1234")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), size)

	for _, header := range []string{"", "bytes 0-0/*", "bytes 0-0/abc"} {
		_, err := parseContentRangeSize(header)
		assert.Error(t, err, "header %q", header)
	}
}
