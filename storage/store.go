package storage

import (
	"errors"
	"time"
)

// Store represents a flat, write-once blob store. Keys are file-name-safe
// strings; the content-addressing layer (BlobStore) is responsible for
// producing them.
type Store interface {
	// Create should return ErrExists if the key is already in the store. The
	// existing value must be left untouched.
	Create(key string, value []byte) (err error)

	// Get should return ErrNotFound if the key is not in the store.
	Get(key string) (value []byte, err error)

	// Delete should return ErrNotFound if the key is not in the store.
	Delete(key string) (err error)

	// List enumerates every entry currently in the store, in no particular
	// order.
	List() (entries []Entry, err error)
}

// Entry describes a stored blob without its content.
type Entry struct {
	Key       string
	CreatedAt time.Time
	Size      int64
}

var (
	// ErrNotFound indicates a key is not in the store.
	ErrNotFound = errors.New("not found")

	// ErrExists indicates an attempt to create a key that is already taken.
	// Blobs are write-once.
	ErrExists = errors.New("already exists")

	// ErrCollision is returned by BlobStore.Put when every attempt at
	// allocating a fresh key ran into an existing one.
	ErrCollision = errors.New("key collision")

	// ErrDiskFull is returned by BlobStore.Put when the disk guard refuses
	// new uploads.
	ErrDiskFull = errors.New("disk usage above threshold")
)

func dup(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	d := make([]byte, len(b))
	copy(d, b)
	return d
}
