package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Object is a stored artifact.
type Object struct {
	Data []byte
	Name string
	MIME string
}

// Memory is an in-process Publisher. Identical bytes map to the same address.
type Memory struct {
	mu      sync.RWMutex
	objects map[Address]Object
}

var _ Publisher = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[Address]Object)}
}

func (m *Memory) PublishBytes(ctx context.Context, data []byte, name, mime string) (Address, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("content: empty payload for %q", name)
	}
	c, err := Sum(data)
	if err != nil {
		return "", err
	}
	addr := AddressOf(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[addr]; !ok {
		m.objects[addr] = Object{Data: append([]byte(nil), data...), Name: name, MIME: mime}
	}
	return addr, nil
}

func (m *Memory) PublishJSON(ctx context.Context, v any) (Address, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("content: encode json: %w", err)
	}
	return m.PublishBytes(ctx, buf, "document.json", "application/json")
}

// Get returns the object stored at addr.
func (m *Memory) Get(addr Address) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[addr]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

// Len reports the number of distinct objects stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
