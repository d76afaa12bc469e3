package storage

import (
	"context"
	"io"
	"strings"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// Locator prefixes. Remote resources are always addressed through a
// filesystem-decorated path, never through a bare URL.
const (
	PrefixMem    = "/vsimem/"
	PrefixCurl   = "/vsicurl/"
	PrefixS3     = "/vsis3/"
	PrefixSparse = "/vsisparse/"
)

// Storage abstracts size lookups and ranged reads of named resources.
type Storage interface {
	Stat(ctx context.Context, locator string) (int64, error)
	// ReadRange returns length bytes starting at offset; length <= 0 reads
	// to the end of the resource.
	ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error)
}

// ValidateLocator rejects empty locators and bare URLs such as
// "https://host/a.jp2" or "s3://bucket/a.jp2". The same resource is
// accepted in decorated form, e.g. "/vsicurl/https://host/a.jp2".
func ValidateLocator(locator string) error {
	if locator == "" {
		return tlmerrors.ErrInvalidLocator.WithMessage("empty locator")
	}
	if strings.Contains(locator, "://") && !strings.HasPrefix(locator, "/vsi") {
		return tlmerrors.ErrInvalidLocator.
			WithDetail("locator", locator).
			WithMessage("bare URL scheme; use a /vsi prefix such as /vsicurl/ or /vsis3/")
	}
	return nil
}

// ReadFull reads exactly length bytes at offset.
func ReadFull(ctx context.Context, s Storage, locator string, offset int64, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, tlmerrors.ErrInvalidArgument.Errorf("read length %d", length)
	}
	rc, err := s.ReadRange(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, tlmerrors.ErrRangeRead.WithCause(err).
			WithDetail("locator", locator).
			WithDetail("offset", offset).
			WithDetail("length", length)
	}
	return buf, nil
}

// checkRange validates a ranged read against a resource of size bytes and
// returns the clamped end offset.
func checkRange(locator string, size, offset, length int64) (int64, error) {
	if offset < 0 || offset > size {
		return 0, tlmerrors.ErrInvalidArgument.
			WithDetail("locator", locator).
			Errorf("offset %d outside resource of %d bytes", offset, size)
	}
	end := size
	if length > 0 && offset+length < end {
		end = offset + length
	}
	return end, nil
}
