package localstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/visitorsync/internal/codec"
)

// WriteGuard admits local writes. BeginWrite refuses while a sync holds
// the lock; while a write it admitted is open the lock cannot be taken.
// end must be called exactly once when ok is true.
type WriteGuard interface {
	BeginWrite() (end func(), ok bool)
}

// Entry is one key and value of a batched write.
type Entry struct {
	Key   string
	Value any
}

type Logger interface {
	Printf(format string, args ...any)
}

// Store mirrors every value across a primary backend (the cookie tier) and
// a durable mirror. Reads prefer the primary and heal it from the mirror.
type Store struct {
	primary Backend
	mirror  Backend
	logger  Logger

	mu    sync.RWMutex
	guard WriteGuard
}

type StoreOptions struct {
	Primary Backend
	Mirror  Backend
	Logger  Logger
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Primary == nil && opts.Mirror == nil {
		return nil, fmt.Errorf("%w: at least one backend is required", ErrInvalidInput)
	}
	return &Store{
		primary: opts.Primary,
		mirror:  opts.Mirror,
		logger:  opts.Logger,
	}, nil
}

func (s *Store) SetWriteGuard(g WriteGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = g
}

func (s *Store) beginWrite() (func(), bool) {
	s.mu.RLock()
	g := s.guard
	s.mu.RUnlock()
	if g == nil {
		return func() {}, true
	}
	return g.BeginWrite()
}

// Load decodes the value stored under key into out. A missing or
// undecodable value reports false.
func (s *Store) Load(key string, out any) (bool, error) {
	var firstErr error
	for i, backend := range s.backends() {
		raw, ok, err := backend.Get(key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		if err := codec.Decode(raw, out); err != nil {
			s.logf("stored value for %s is unreadable; ignoring: %v", key, err)
			continue
		}
		if i > 0 {
			s.heal(key, raw)
		}
		return true, nil
	}
	return false, firstErr
}

// LoadInt64 is Load for the integer clock keys. Absent reads as zero.
func (s *Store) LoadInt64(key string) int64 {
	var v int64
	if ok, err := s.Load(key, &v); err != nil || !ok {
		if err != nil {
			s.logf("load %s failed: %v", key, err)
		}
		return 0
	}
	return v
}

// Save encodes value and writes it to both backends. While the write guard
// is locked the write is dropped and logged; callers are not told.
func (s *Store) Save(key string, value any) error {
	_, err := s.SaveAll(Entry{Key: key, Value: value})
	return err
}

// TrySave is Save that also reports whether the write happened.
func (s *Store) TrySave(key string, value any) (bool, error) {
	return s.SaveAll(Entry{Key: key, Value: value})
}

// SaveAll writes entries as one batch. The guard is consulted once and held
// until the last entry is written, so a sync cannot start halfway through
// and a refused batch writes nothing.
func (s *Store) SaveAll(entries ...Entry) (bool, error) {
	if len(entries) == 0 {
		return true, nil
	}
	encoded := make([]string, len(entries))
	for i, entry := range entries {
		value, err := codec.Encode(entry.Value)
		if err != nil {
			return false, fmt.Errorf("encode %s: %w", entry.Key, err)
		}
		encoded[i] = value
	}
	end, ok := s.beginWrite()
	if !ok {
		s.logf("sync in flight; dropping write of %s", entryKeys(entries))
		return false, nil
	}
	defer end()

	backends := s.backends()
	var errs []error
	failed := make([]bool, len(backends))
	for i, backend := range backends {
		for j, entry := range entries {
			if err := backend.Set(entry.Key, encoded[j]); err != nil {
				errs = append(errs, err)
				failed[i] = true
				break
			}
		}
	}
	healthy := 0
	for _, f := range failed {
		if !f {
			healthy++
		}
	}
	if healthy == 0 {
		return false, errors.Join(errs...)
	}
	for _, err := range errs {
		s.logf("mirror write of %s failed: %v", entryKeys(entries), err)
	}
	return true, nil
}

func (s *Store) Delete(key string) error {
	end, ok := s.beginWrite()
	if !ok {
		s.logf("sync in flight; dropping delete of %s", key)
		return nil
	}
	defer end()
	var errs []error
	for _, backend := range s.backends() {
		if err := backend.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Close() error {
	var errs []error
	for _, backend := range s.backends() {
		if closer, ok := backend.(backendCloser); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Primary() Backend {
	return s.primary
}

func (s *Store) Mirror() Backend {
	return s.mirror
}

func (s *Store) heal(key, raw string) {
	if s.primary == nil {
		return
	}
	end, ok := s.beginWrite()
	if !ok {
		return
	}
	defer end()
	if err := s.primary.Set(key, raw); err != nil {
		s.logf("restore %s into primary store failed: %v", key, err)
	}
}

func (s *Store) backends() []Backend {
	out := make([]Backend, 0, 2)
	if s.primary != nil {
		out = append(out, s.primary)
	}
	if s.mirror != nil {
		out = append(out, s.mirror)
	}
	return out
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func entryKeys(entries []Entry) string {
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return strings.Join(keys, ",")
}
