package shared

import (
	"context"
	"sort"
	"sync"

	"github.com/pestras/micro/pkg/errors"
)

// Func is a method one unit exposes to its siblings
type Func func(ctx context.Context, args ...interface{}) (interface{}, error)

// Store is a name-to-method registry. Put is last-writer-wins.
type Store struct {
	entries map[string]Func
	mutex   sync.RWMutex
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Func)}
}

// Put registers fn under key, replacing any earlier entry. It reports whether
// an entry was replaced.
func (s *Store) Put(key string, fn Func) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, replaced := s.entries[key]
	s.entries[key] = fn
	return replaced
}

func (s *Store) Get(key string) (Func, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	fn, ok := s.entries[key]
	return fn, ok && fn != nil
}

// Call invokes the method stored under key
func (s *Store) Call(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
	fn, ok := s.Get(key)
	if !ok {
		return nil, errors.NewNotFoundError("shared method not found", nil).WithContext("key", key)
	}
	return fn(ctx, args...)
}

// Keys returns the registered keys in sorted order
func (s *Store) Keys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}
