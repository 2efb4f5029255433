// Package localstore persists visitor state across two redundant physical
// backends. Values are opaque strings; the Store handles their encoding.
package localstore

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is one physical key-value store.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

type backendCloser interface {
	Close() error
}

// Lister is implemented by backends that can enumerate their keys.
type Lister interface {
	Keys() ([]string, error)
}

type InMemoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{values: map[string]string{}}
}

func (b *InMemoryBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *InMemoryBackend) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *InMemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *InMemoryBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
