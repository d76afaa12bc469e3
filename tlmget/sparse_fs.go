package tlmget

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// SparseFS serves /vsisparse/<descriptor> locators. The descriptor document
// and every region source are read through backend, so only the source bytes
// overlapping a request are fetched. A document is parsed once and kept until
// Evict.
type SparseFS struct {
	backend storage.Storage

	mu   sync.Mutex
	docs map[string]*sparseDocument
}

func NewSparseFS(backend storage.Storage) *SparseFS {
	return &SparseFS{backend: backend, docs: make(map[string]*sparseDocument)}
}

// Evict drops the parsed document of locator. The next access reads the
// descriptor from the backend again.
func (f *SparseFS) Evict(locator string) {
	f.mu.Lock()
	delete(f.docs, locator)
	f.mu.Unlock()
}

func (f *SparseFS) load(ctx context.Context, locator string) (*sparseDocument, error) {
	if !strings.HasPrefix(locator, storage.PrefixSparse) {
		return nil, tlmerrors.ErrInvalidLocator.WithDetail("locator", locator).WithMessage("not a /vsisparse/ locator")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	doc, ok := f.docs[locator]
	f.mu.Unlock()
	if ok {
		return doc, nil
	}

	doc, err := f.read(ctx, locator)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.docs[locator] = doc
	f.mu.Unlock()
	return doc, nil
}

func (f *SparseFS) read(ctx context.Context, locator string) (*sparseDocument, error) {
	docName := strings.TrimPrefix(locator, storage.PrefixSparse)

	size, err := f.backend.Stat(ctx, docName)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, tlmerrors.ErrUnsupportedFormat.WithDetail("locator", locator).WithMessage("empty sparse descriptor")
	}
	data, err := storage.ReadFull(ctx, f.backend, docName, 0, size)
	if err != nil {
		return nil, err
	}
	return parseSparseDocument(data)
}

func (f *SparseFS) Stat(ctx context.Context, locator string) (int64, error) {
	doc, err := f.load(ctx, locator)
	if err != nil {
		return 0, err
	}
	return int64(doc.size()), nil
}

// ReadRange returns the virtual bytes [offset, offset+length). Bytes covered by
// no region read as zero.
func (f *SparseFS) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	doc, err := f.load(ctx, locator)
	if err != nil {
		return nil, err
	}
	size := int64(doc.size())
	if offset < 0 || offset > size {
		return nil, tlmerrors.ErrInvalidArgument.
			WithDetail("locator", locator).
			Errorf("offset %d outside virtual file of %d bytes", offset, size)
	}
	end := size
	if length > 0 && offset+length < end {
		end = offset + length
	}

	return &sparseReader{ctx: ctx, backend: f.backend, pieces: planPieces(doc.Regions, offset, end)}, nil
}

// piece is a contiguous part of a virtual read: either a source range or,
// when source is empty, a run of zeros.
type piece struct {
	source string
	offset int64
	length int64
}

func planPieces(regions []Region, start, end int64) []piece {
	var pieces []piece
	pos := start
	for pos < end {
		next := end
		var hit *Region
		for i := range regions {
			r := &regions[i]
			rs := int64(r.DestinationOffset)
			re := rs + int64(r.RegionLength)
			if r.RegionLength == 0 {
				continue
			}
			if rs <= pos && pos < re {
				hit = r
				if re < next {
					next = re
				}
				break
			}
			if rs > pos && rs < next {
				next = rs
			}
		}

		if hit == nil {
			pieces = append(pieces, piece{length: next - pos})
		} else {
			srcOffset := int64(hit.SourceOffset) + pos - int64(hit.DestinationOffset)
			pieces = append(pieces, piece{source: hit.Filename, offset: srcOffset, length: next - pos})
		}
		pos = next
	}
	return pieces
}

// sparseReader opens each piece only when the previous one is exhausted.
type sparseReader struct {
	ctx     context.Context
	backend storage.Storage
	pieces  []piece
	current io.ReadCloser
}

func (r *sparseReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.pieces) == 0 {
				return 0, io.EOF
			}
			pc := r.pieces[0]
			r.pieces = r.pieces[1:]
			if pc.source == "" {
				r.current = io.NopCloser(bytes.NewReader(make([]byte, pc.length)))
			} else {
				rc, err := r.backend.ReadRange(r.ctx, pc.source, pc.offset, pc.length)
				if err != nil {
					return 0, err
				}
				r.current = &exactReader{rc: rc, remaining: pc.length}
			}
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sparseReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

// exactReader turns a short source read into io.ErrUnexpectedEOF instead of
// silently shifting every following byte.
type exactReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.rc.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF {
		if e.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, nil
	}
	return n, err
}

func (e *exactReader) Close() error { return e.rc.Close() }
