package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// MemFS holds named in-memory buffers under the /vsimem/ namespace.
// It is safe for concurrent use.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

// Put stores a copy of data under name, replacing any previous buffer.
func (m *MemFS) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

// PutTemp stores data under a fresh unique name ending in ext and returns the
// name.
func (m *MemFS) PutTemp(ext string, data []byte) string {
	name := PrefixMem + uuid.NewString() + ext
	m.Put(name, data)
	return name
}

// Get returns the buffer stored under name.
func (m *MemFS) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[name]
	return data, ok
}

// Remove deletes name. Removing a missing name is a no-op.
func (m *MemFS) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
}

// Len returns the number of buffers held.
func (m *MemFS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

func (m *MemFS) Stat(ctx context.Context, locator string) (int64, error) {
	data, ok := m.Get(locator)
	if !ok {
		return 0, tlmerrors.ErrNotFound.WithDetail("locator", locator)
	}
	return int64(len(data)), nil
}

func (m *MemFS) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	data, ok := m.Get(locator)
	if !ok {
		return nil, tlmerrors.ErrNotFound.WithDetail("locator", locator)
	}
	end, err := checkRange(locator, int64(len(data)), offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}
