// Package mirror is the local state mirror: a persisted key-value store of
// registrations, purchases, rewards, retirements, platform assets and cached
// balances.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound             = errors.New("mirror: not found")
	ErrAlreadyExists        = errors.New("mirror: already exists")
	ErrVersionConflict      = errors.New("mirror: version conflict")
	ErrInsufficientQuantity = errors.New("mirror: insufficient remaining quantity")
)

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the persistence backend. Values are opaque JSON documents.
type KV interface {
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap stores next only if the current value equals prev. A nil
	// prev means insert-if-absent.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
	// List returns entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	switch {
	case prev == nil && ok:
		return false, nil
	case prev != nil && (!ok || !bytes.Equal(cur, prev)):
		return false, nil
	}
	m.data[key] = append([]byte(nil), next...)
	return true, nil
}

func (m *MemoryKV) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
