package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrQuotaExceeded marks a storage-full failure. It surfaces as a typed
// result the handlers turn into a user-facing message, never as a raw fault.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// UserMessage translates a storage failure into the message shown to the
// operator instead of a raw fault.
func UserMessage(err error) string {
	if errors.Is(err, ErrQuotaExceeded) {
		return "detection history is full; clear old detections to keep saving new ones"
	}
	return "detection could not be saved to local history"
}

// KV is the device-local key-value blob store: one JSON blob per logical
// record. Get returns (nil, nil) for an absent key.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// FileKV keeps each blob in its own file under a data directory, written
// atomically via rename.
type FileKV struct {
	dir   string
	mutex sync.Mutex
}

// NewFileKV creates the data directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(f.dir, safe+".json")
}

func (f *FileKV) Get(key string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (f *FileKV) Set(key string, value []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return mapWriteError(key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return mapWriteError(key, err)
	}
	return nil
}

func (f *FileKV) Delete(key string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func mapWriteError(key string, err error) error {
	// A full disk is the KV equivalent of a browser storage quota error.
	if strings.Contains(err.Error(), "no space left") {
		return fmt.Errorf("writing %s: %w", key, ErrQuotaExceeded)
	}
	return fmt.Errorf("failed to write %s: %w", key, err)
}

// MemoryKV is the in-memory implementation used by tests. A non-zero
// capacity caps the total stored bytes and reports quota errors beyond it.
type MemoryKV struct {
	mutex    sync.Mutex
	data     map[string][]byte
	Capacity int
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.Capacity > 0 {
		total := len(value)
		for k, v := range m.data {
			if k != key {
				total += len(v)
			}
		}
		if total > m.Capacity {
			return ErrQuotaExceeded
		}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.data, key)
	return nil
}
