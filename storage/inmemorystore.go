package storage

import (
	"fmt"
	"sync"
	"time"
)

type inMemoryBlob struct {
	value     []byte
	createdAt time.Time
}

// InMemoryStore is a Store implementation powered by a map, to be used for
// testing.
type InMemoryStore struct {
	sync.Mutex
	m map[string]inMemoryBlob
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		m: make(map[string]inMemoryBlob),
	}
}

func (s *InMemoryStore) Create(key string, value []byte) (err error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[key]; ok {
		return fmt.Errorf("%.40s: %w", key, ErrExists)
	}
	s.m[key] = inMemoryBlob{value: dup(value), createdAt: time.Now()}
	return nil
}

func (s *InMemoryStore) Get(key string) (value []byte, err error) {
	s.Lock()
	blob, ok := s.m[key]
	s.Unlock()
	if !ok {
		return nil, fmt.Errorf("%.40s: %w", key, ErrNotFound)
	}
	return dup(blob.value), nil
}

func (s *InMemoryStore) Delete(key string) (err error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[key]; !ok {
		return fmt.Errorf("%.40s: %w", key, ErrNotFound)
	}
	delete(s.m, key)
	return nil
}

func (s *InMemoryStore) List() (entries []Entry, err error) {
	s.Lock()
	defer s.Unlock()
	for key, blob := range s.m {
		entries = append(entries, Entry{
			Key:       key,
			CreatedAt: blob.createdAt,
			Size:      int64(len(blob.value)),
		})
	}
	return entries, nil
}
