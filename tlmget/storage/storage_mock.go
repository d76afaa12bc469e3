package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// ReadRecord is one ranged read observed by MockStorage.
type ReadRecord struct {
	Locator string
	Offset  int64
	Length  int64
}

// MockStorage is a simple in-memory Storage implementation for tests. It
// records every ranged read so tests can assert what was fetched.
type MockStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	fail  map[string]error
	reads []ReadRecord
}

// NewMockStorage constructs an empty MockStorage.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		blobs: make(map[string][]byte),
		fail:  make(map[string]error),
	}
}

// AddBlob adds content under locator.
func (m *MockStorage) AddBlob(locator string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[locator] = append([]byte(nil), data...)
}

// FailWith makes every access to locator return err.
func (m *MockStorage) FailWith(locator string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[locator] = err
}

// Reads returns the ranged reads issued so far.
func (m *MockStorage) Reads() []ReadRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ReadRecord(nil), m.reads...)
}

// ResetReads clears the read log.
func (m *MockStorage) ResetReads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = nil
}

func (m *MockStorage) Stat(ctx context.Context, locator string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail[locator]; err != nil {
		return 0, err
	}
	data, ok := m.blobs[locator]
	if !ok {
		return 0, tlmerrors.ErrNotFound.WithDetail("locator", locator)
	}
	return int64(len(data)), nil
}

// ReadRange returns a reader over the requested byte range.
func (m *MockStorage) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail[locator]; err != nil {
		return nil, err
	}
	data, ok := m.blobs[locator]
	if !ok {
		return nil, tlmerrors.ErrNotFound.WithDetail("locator", locator)
	}

	end, err := checkRange(locator, int64(len(data)), offset, length)
	if err != nil {
		return nil, err
	}
	m.reads = append(m.reads, ReadRecord{Locator: locator, Offset: offset, Length: end - offset})
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}
