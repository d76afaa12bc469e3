package storage

import (
	"context"
	"io"
)

// ReaderAt adapts a Storage resource to io.ReaderAt. Each ReadAt issues one
// ranged read.
type ReaderAt struct {
	ctx     context.Context
	storage Storage
	locator string
	size    int64
}

// NewReaderAt stats locator and returns a reader over it.
func NewReaderAt(ctx context.Context, s Storage, locator string) (*ReaderAt, error) {
	size, err := s.Stat(ctx, locator)
	if err != nil {
		return nil, err
	}
	return &ReaderAt{ctx: ctx, storage: s, locator: locator, size: size}, nil
}

// Size returns the resource size observed at construction.
func (r *ReaderAt) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt. Reads crossing the end of the resource
// return the available bytes and io.EOF.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > r.size {
		want = r.size - off
	}
	if want == 0 {
		return 0, nil
	}

	rc, err := r.storage.ReadRange(r.ctx, r.locator, off, want)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:want])
	if err != nil {
		return n, err
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}
