package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. It is used in tests and by clients that do not need
// state to survive a restart.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = copyBytes(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ret := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			ret[k] = copyBytes(v)
		}
	}
	return ret, nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	if !validKey(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	cur, found := m.data[key]
	next, err := fn(copyBytes(cur), found)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	if next == nil {
		delete(m.data, key)
		return nil
	}
	m.data[key] = copyBytes(next)
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	dst := make([]byte, len(b))
	_ = copy(dst, b)
	return dst
}
