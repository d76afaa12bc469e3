package tlmget

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Entry is one catalog row. Index is the raw index blob; empty means the
// file already carries its TLM.
type Entry struct {
	Metadata
	Index []byte `json:"index"`
}

// Catalog finds the index entry of a product band.
type Catalog interface {
	// Lookup fails with ErrNotFound when no entry exists.
	Lookup(ctx context.Context, productID, bandID string) (*Entry, error)
}

// ResolveIndex looks up and decodes the index of a product band.
func ResolveIndex(ctx context.Context, c Catalog, productID, bandID string) (TileIndex, error) {
	entry, err := c.Lookup(ctx, productID, bandID)
	if err != nil {
		return nil, err
	}
	return ParseIndexBlob(entry.Index, entry.Metadata)
}

type entryKey struct {
	productID string
	bandID    string
}

// TableCatalog is an in-memory catalog loaded from JSON lines, one Entry per
// line with the index blob base64-encoded.
type TableCatalog struct {
	entries map[entryKey]*Entry
	order   []entryKey
}

func NewTableCatalog(entries []Entry) *TableCatalog {
	c := &TableCatalog{entries: make(map[entryKey]*Entry, len(entries))}
	for i := range entries {
		c.add(entries[i])
	}
	return c
}

func (c *TableCatalog) add(e Entry) {
	key := entryKey{productID: e.ProductID, bandID: e.BandID}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	} else {
		logger.Warn("Duplicate catalog entry for %s/%s, keeping the last one", e.ProductID, e.BandID)
	}
	entry := e
	c.entries[key] = &entry
}

func (c *TableCatalog) Lookup(ctx context.Context, productID, bandID string) (*Entry, error) {
	entry, ok := c.entries[entryKey{productID: productID, bandID: bandID}]
	if !ok {
		return nil, tlmerrors.ErrNotFound.
			WithDetail("product_id", productID).
			WithDetail("band_id", bandID).
			WithMessage("no index for product band")
	}
	return entry, nil
}

// Len is the number of entries.
func (c *TableCatalog) Len() int { return len(c.order) }

// Entries returns the entries in load order.
func (c *TableCatalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, *c.entries[key])
	}
	return out
}

// ProductIDs lists the distinct products in load order.
func (c *TableCatalog) ProductIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, key := range c.order {
		if !seen[key.productID] {
			seen[key.productID] = true
			ids = append(ids, key.productID)
		}
	}
	return ids
}

// ReadTableCatalog decodes a catalog, zstd-compressed or not.
func ReadTableCatalog(r io.Reader) (*TableCatalog, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, tlmerrors.ErrCatalogLoad.WithCause(err)
		}
		defer dec.Close()
		return decodeCatalogLines(dec)
	}
	return decodeCatalogLines(br)
}

func decodeCatalogLines(r io.Reader) (*TableCatalog, error) {
	c := NewTableCatalog(nil)
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return c, nil
			}
			return nil, tlmerrors.ErrCatalogLoad.WithCause(err).WithDetail("record", line)
		}
		if e.ProductID == "" || e.BandID == "" {
			return nil, tlmerrors.ErrCatalogLoad.WithDetail("record", line).WithMessage("record without product_id or band_id")
		}
		c.add(e)
	}
}

// LoadTableCatalog reads a whole catalog object. A missing object keeps its
// ErrNotFound code; any other failure is ErrCatalogLoad.
func LoadTableCatalog(ctx context.Context, s storage.Storage, locator string) (*TableCatalog, error) {
	rc, err := s.ReadRange(ctx, locator, 0, 0)
	if err != nil {
		if errors.Is(err, tlmerrors.ErrNotFound) {
			return nil, err
		}
		return nil, tlmerrors.ErrCatalogLoad.WithDetail("locator", locator).WithCause(err)
	}
	defer rc.Close()

	c, err := ReadTableCatalog(rc)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded %d catalog entries from %s", c.Len(), locator)
	return c, nil
}

// WriteTableCatalog encodes entries as JSON lines, zstd-compressed when
// compress is set.
func WriteTableCatalog(w io.Writer, entries []Entry, compress bool) error {
	if !compress {
		return encodeCatalogLines(w, entries)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := encodeCatalogLines(enc, entries); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func encodeCatalogLines(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}
