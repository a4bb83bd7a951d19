package storage

import (
	"sync"
	"time"
)

// Index keeps track of when blobs were created. The collector trusts the
// index over whatever creation time the Store reports.
type Index interface {
	Record(key string, createdAt time.Time) error

	// CreatedAt returns ok == false (and no error) for unknown keys.
	CreatedAt(key string) (createdAt time.Time, ok bool, err error)

	// Forget is a no-op for unknown keys.
	Forget(key string) error
}

// InMemoryIndex is an Index backed by a map. Records are lost on restart, in
// which case the collector falls back to file modification times.
type InMemoryIndex struct {
	sync.Mutex
	m map[string]time.Time
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		m: make(map[string]time.Time),
	}
}

func (x *InMemoryIndex) Record(key string, createdAt time.Time) error {
	x.Lock()
	x.m[key] = createdAt
	x.Unlock()
	return nil
}

func (x *InMemoryIndex) CreatedAt(key string) (createdAt time.Time, ok bool, err error) {
	x.Lock()
	createdAt, ok = x.m[key]
	x.Unlock()
	return
}

func (x *InMemoryIndex) Forget(key string) error {
	x.Lock()
	delete(x.m, key)
	x.Unlock()
	return nil
}
