package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Digest maps the requested path, the uploaded bytes and a per-attempt salt
// to a 64-bit number, which becomes the blob key once hex-encoded.
type Digest func(path, data, salt []byte) uint64

// The digest only needs to spread keys, it is not a MAC, hence a fixed key.
var hashKey = []byte("vanish: ephemeral blob key hash!")

// HighwayDigest is the default Digest.
func HighwayDigest(path, data, salt []byte) uint64 {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		// Only happens for keys that are not 32 bytes long.
		panic(err)
	}
	_, _ = h.Write(path)
	_, _ = h.Write(data)
	_, _ = h.Write(salt)
	return h.Sum64()
}

const saltLen = 8

type Option func(*options)

type options struct {
	index       Index
	clock       clock.PassiveClock
	digest      Digest
	maxAttempts int
	guard       *DiskGuard
}

// WithIndex sets where creation times are recorded. Defaults to an
// InMemoryIndex.
func WithIndex(value Index) Option {
	return func(o *options) {
		o.index = value
	}
}

func WithClock(value clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = value
	}
}

func WithDigest(value Digest) Option {
	return func(o *options) {
		o.digest = value
	}
}

// WithMaxAttempts bounds how many salts Put tries before giving up with
// ErrCollision.
func WithMaxAttempts(value int) Option {
	return func(o *options) {
		o.maxAttempts = value
	}
}

func WithDiskGuard(value *DiskGuard) Option {
	return func(o *options) {
		o.guard = value
	}
}

// BlobStore wraps a Store to hand out content-addressed keys. Blobs are never
// overwritten: if the key computed for an upload is taken, the upload is
// re-salted and retried a bounded number of times.
type BlobStore struct {
	opts     options
	delegate Store
}

func NewBlobStore(delegate Store, opts ...Option) *BlobStore {
	s := &BlobStore{delegate: delegate}
	s.opts.clock = clock.RealClock{}
	s.opts.digest = HighwayDigest
	s.opts.maxAttempts = 3
	for _, o := range opts {
		o(&s.opts)
	}
	if s.opts.index == nil {
		s.opts.index = NewInMemoryIndex()
	}
	if s.opts.maxAttempts < 1 {
		s.opts.maxAttempts = 1
	}
	return s
}

// Put stores data and returns the key it can be retrieved with.
func (s *BlobStore) Put(path string, data []byte) (key string, err error) {
	full, err := s.opts.guard.Full()
	if err != nil {
		return "", err
	}
	if full {
		return "", ErrDiskFull
	}
	salt := make([]byte, saltLen)
	for attempt := 1; attempt <= s.opts.maxAttempts; attempt++ {
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("could not draw salt: %w", err)
		}
		key = fmt.Sprintf("%016x", s.opts.digest([]byte(path), data, salt))
		err = s.delegate.Create(key, data)
		if errors.Is(err, ErrExists) {
			log.WithFields(log.Fields{
				"key":     key,
				"attempt": attempt,
			}).Warn("Key collision, re-salting")
			continue
		}
		if err != nil {
			return "", err
		}
		logger := log.WithFields(log.Fields{
			"key":  key,
			"path": path,
			"size": humanize.Bytes(uint64(len(data))),
		})
		if err := s.opts.index.Record(key, s.opts.clock.Now()); err != nil {
			// The file modification time still drives expiry.
			logger.WithField("err", err).Warn("Could not record creation time")
		}
		logger.Debug("Stored")
		return key, nil
	}
	return "", fmt.Errorf("%d attempts for %q: %w", s.opts.maxAttempts, path, ErrCollision)
}

// Get returns the blob named by the final component of path.
func (s *BlobStore) Get(path string) (value []byte, err error) {
	key, ok := normalize(path)
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	return s.delegate.Get(key)
}

// Delete removes the blob named by the final component of path.
func (s *BlobStore) Delete(path string) error {
	key, ok := normalize(path)
	if !ok {
		return fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	return s.Remove(key)
}

// Remove deletes a blob by its exact key. Removing a key that is already gone
// returns ErrNotFound, which callers racing each other can ignore.
func (s *BlobStore) Remove(key string) error {
	err := s.delegate.Delete(key)
	if ferr := s.opts.index.Forget(key); ferr != nil {
		log.WithFields(log.Fields{
			"key": key,
			"err": ferr,
		}).Warn("Could not forget creation time")
	}
	return err
}

// Entries lists the stored blobs, with creation times taken from the index
// when known.
func (s *BlobStore) Entries() ([]Entry, error) {
	entries, err := s.delegate.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		createdAt, ok, err := s.opts.index.CreatedAt(entries[i].Key)
		if err != nil {
			log.WithFields(log.Fields{
				"key": entries[i].Key,
				"err": err,
			}).Warn("Could not look up creation time")
			continue
		}
		if ok {
			entries[i].CreatedAt = createdAt
		}
	}
	return entries, nil
}

// normalize reduces a request path to its final component, ignoring trailing
// separators, so that requests can never reach outside the storage directory.
// Hidden names, which include in-flight uploads, are never served.
func normalize(path string) (key string, ok bool) {
	path = strings.TrimRight(path, `/\`)
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	if path == "" || strings.HasPrefix(path, ".") {
		return "", false
	}
	return path, true
}
