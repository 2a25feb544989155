package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry is one stored blob.
type entry struct {
	data         []byte
	metadata     map[string]string
	lastModified time.Time
}

// MemoryStore is an in-process Store for tests and development runs
// without storage credentials. Nothing persists across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetClock overrides the modification-time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores data at key, failing if the key exists.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return ErrKeyExists
	}
	s.entries[key] = &entry{
		data:         append([]byte(nil), data...),
		metadata:     copyMetadata(opts.Metadata),
		lastModified: s.now(),
	}
	return nil
}

// Get returns a copy of the blob's content and metadata.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return append([]byte(nil), e.data...), copyMetadata(e.metadata), nil
}

// List returns items under prefix sorted by key for determinism.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		items = append(items, Item{
			Name:         key,
			LastModified: e.lastModified,
			Metadata:     copyMetadata(e.metadata),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// SetMetadata replaces the blob's metadata.
func (s *MemoryStore) SetMetadata(_ context.Context, key string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.metadata = copyMetadata(metadata)
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
