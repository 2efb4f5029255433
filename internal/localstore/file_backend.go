package localstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// JSONFileBackend keeps every key in one JSON object on disk. Each
// operation re-reads the file under an advisory lock so several processes
// can share it.
type JSONFileBackend struct {
	Path string
	mu   sync.Mutex

	lastWritten []byte
}

type fileBackendState struct {
	Values map[string]string `json:"values"`
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Get(key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := b.withLock(false, func(state *fileBackendState) (bool, error) {
		value, ok = state.Values[key]
		return false, nil
	})
	return value, ok, err
}

func (b *JSONFileBackend) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	return b.withLock(true, func(state *fileBackendState) (bool, error) {
		if current, ok := state.Values[key]; ok && current == value {
			return false, nil
		}
		state.Values[key] = value
		return true, nil
	})
}

func (b *JSONFileBackend) Delete(key string) error {
	return b.withLock(true, func(state *fileBackendState) (bool, error) {
		if _, ok := state.Values[key]; !ok {
			return false, nil
		}
		delete(state.Values, key)
		return true, nil
	})
}

func (b *JSONFileBackend) Keys() ([]string, error) {
	var keys []string
	err := b.withLock(false, func(state *fileBackendState) (bool, error) {
		for key := range state.Values {
			keys = append(keys, key)
		}
		return false, nil
	})
	sort.Strings(keys)
	return keys, err
}

func (b *JSONFileBackend) withLock(exclusive bool, fn func(state *fileBackendState) (bool, error)) error {
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.Path)
	if exclusive && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	unlock, err := lockPath(b.Path+".lock", exclusive)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := b.load()
	if err != nil {
		return err
	}
	changed, err := fn(state)
	if err != nil || !changed {
		return err
	}
	return b.save(state)
}

func (b *JSONFileBackend) load() (*fileBackendState, error) {
	state := &fileBackendState{Values: map[string]string{}}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Values == nil {
		state.Values = map[string]string{}
	}
	return state, nil
}

func (b *JSONFileBackend) save(state *fileBackendState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.Path, data, 0o644); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	b.lastWritten = sum[:]
	return nil
}

// ChangedExternally reports whether the file on disk differs from the last
// content this backend wrote or observed. A detected change is remembered so
// it is reported once.
func (b *JSONFileBackend) ChangedExternally() bool {
	if b == nil || b.Path == "" {
		return false
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	b.mu.Lock()
	defer b.mu.Unlock()
	if bytes.Equal(sum[:], b.lastWritten) {
		return false
	}
	b.lastWritten = sum[:]
	return true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
