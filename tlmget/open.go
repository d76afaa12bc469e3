package tlmget

import (
	"context"
	"strconv"
	"sync"

	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// GDAL configuration keys reported as hints.
const (
	HintDisableReaddir    = "GDAL_DISABLE_READDIR_ON_OPEN"
	HintIngestedBytes     = "GDAL_INGESTED_BYTES_AT_OPEN"
	HintAllowedExtensions = "CPL_VSIL_CURL_ALLOWED_EXTENSIONS"
)

// OpenOptions configure Open. Nil backends default to an untuned
// HTTPStorage and LocalStorage, and a nil Mem to a MemFS private to the
// dataset.
type OpenOptions struct {
	Remote storage.Storage
	Local  storage.Storage
	Mem    *storage.MemFS
	// Hints override or extend the recommended hints.
	Hints map[string]string
}

// RecommendedHints returns the reader tuning for an index.
func RecommendedHints(idx TileIndex) map[string]string {
	switch idx := idx.(type) {
	case *VirtualIndex:
		return map[string]string{
			HintDisableReaddir: "EMPTY_DIR",
			// the whole main header, spliced TLM excluded, in one request
			HintIngestedBytes: strconv.FormatUint(idx.FirstTilePartOffset, 10),
		}
	default:
		return map[string]string{
			HintDisableReaddir:    "EMPTY_DIR",
			HintAllowedExtensions: "jp2",
		}
	}
}

// Dataset is an opened raster. For a *VirtualIndex it reads as if the TLM
// were present in the file. A Dataset is not meant to be shared; open one per
// concurrent reader.
type Dataset struct {
	*storage.ReaderAt

	name       string
	index      TileIndex
	hints      map[string]string
	descriptor *SparseDescriptor
	sparse     *SparseFS
	closeOnce  sync.Once
}

// Open opens locator for reading according to idx. Every resource created
// before a failure is released before Open returns.
func Open(ctx context.Context, idx TileIndex, locator string, opts *OpenOptions) (*Dataset, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	if err := storage.ValidateLocator(locator); err != nil {
		return nil, err
	}

	remote := opts.Remote
	if remote == nil {
		remote = storage.NewHTTPStorage(storage.HTTPOptions{})
	}
	local := opts.Local
	if local == nil {
		local = storage.NewLocalStorage()
	}
	mem := opts.Mem
	if mem == nil {
		mem = storage.NewMemFS()
	}
	router := storage.NewRouter(mem, remote, local)
	sparse := NewSparseFS(router)
	router.Handle(storage.PrefixSparse, sparse)

	ds := &Dataset{name: locator, index: idx, hints: RecommendedHints(idx), sparse: sparse}
	for k, v := range opts.Hints {
		ds.hints[k] = v
	}

	if v, ok := idx.(*VirtualIndex); ok {
		d, err := v.SparseDescriptor(mem, locator)
		if err != nil {
			return nil, err
		}
		ds.descriptor = d
		ds.name = d.Name()
	}

	r, err := storage.NewReaderAt(ctx, router, ds.name)
	if err != nil {
		ds.Close()
		return nil, err
	}
	ds.ReaderAt = r

	logger.Info("Opened %s as %s (%d bytes)", locator, ds.name, r.Size())
	return ds, nil
}

// Name is the path the dataset is read from: the locator itself, or the
// /vsisparse/ descriptor path for a virtual index.
func (d *Dataset) Name() string { return d.name }

// Index returns the index the dataset was opened with.
func (d *Dataset) Index() TileIndex { return d.index }

// Hints returns a copy of the reader tuning hints.
func (d *Dataset) Hints() map[string]string {
	out := make(map[string]string, len(d.hints))
	for k, v := range d.hints {
		out[k] = v
	}
	return out
}

// Descriptor returns the sparse descriptor, or nil for a file opened as is.
func (d *Dataset) Descriptor() *SparseDescriptor { return d.descriptor }

// MainHeader reads the codestream main header through the dataset, the same
// way a decoder would see it.
func (d *Dataset) MainHeader() (*jp2util.MainHeader, error) {
	start, _, err := jp2util.LocateCodestream(d, d.Size())
	if err != nil {
		return nil, err
	}
	return jp2util.ReadMainHeader(d, start)
}

// Close releases the sparse descriptor. It is safe to call more than once.
func (d *Dataset) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.descriptor != nil {
			d.sparse.Evict(d.name)
			err = d.descriptor.Close()
		}
	})
	return err
}
