package storage

import (
	"context"
	"io"
	"os"

	"golang.org/x/exp/mmap"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// LocalStorage serves plain filesystem paths through read-only memory maps.
type LocalStorage struct{}

func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

func (s *LocalStorage) Stat(ctx context.Context, locator string) (int64, error) {
	info, err := os.Stat(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, tlmerrors.ErrNotFound.WithDetail("locator", locator).WithCause(err)
		}
		return 0, tlmerrors.ErrRangeRead.WithDetail("locator", locator).WithCause(err)
	}
	return info.Size(), nil
}

// ReadRange maps the file and returns a section of it. The mapping is
// released when the returned reader is closed.
func (s *LocalStorage) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	r, err := mmap.Open(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlmerrors.ErrNotFound.WithDetail("locator", locator).WithCause(err)
		}
		return nil, tlmerrors.ErrRangeRead.WithDetail("locator", locator).WithCause(err)
	}

	end, err := checkRange(locator, int64(r.Len()), offset, length)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &mappedSection{
		SectionReader: io.NewSectionReader(r, offset, end-offset),
		mapping:       r,
	}, nil
}

type mappedSection struct {
	*io.SectionReader
	mapping *mmap.ReaderAt
}

func (m *mappedSection) Close() error {
	return m.mapping.Close()
}
