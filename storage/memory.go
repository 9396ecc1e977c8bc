package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/luca-patrignani/code-votation/domain/code"
)

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu    sync.RWMutex
	codes map[string]code.Code
}

// NewMemoryStore returns a store holding codes.
func NewMemoryStore(codes ...code.Code) *MemoryStore {
	m := &MemoryStore{codes: make(map[string]code.Code, len(codes))}
	for _, c := range codes {
		m.codes[c.Code] = c
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, c string) (code.Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.codes[c]
	if !ok {
		return code.Code{}, ErrNotFound
	}
	return stored, nil
}

func (m *MemoryStore) Exists(_ context.Context, c string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.codes[c]
	return ok, nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.codes), nil
}

func (m *MemoryStore) ValidatedCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.codes {
		if c.Validations > 0 {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Put(_ context.Context, c code.Code) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.codes[c.Code]
	m.codes[c.Code] = c
	return !existed, nil
}

func (m *MemoryStore) IncrementValidations(_ context.Context, c string) (code.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[c]
	if !ok {
		return code.Code{}, ErrNotFound
	}
	stored.Validations++
	m.codes[c] = stored
	return stored, nil
}

func (m *MemoryStore) All(context.Context) ([]code.Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]code.Code, 0, len(m.codes))
	for _, c := range m.codes {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	return all, nil
}
