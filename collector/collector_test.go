package collector_test

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nicolagi/vanish/collector"
	"github.com/nicolagi/vanish/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const retention = time.Hour

func TestSweep(t *testing.T) {
	t.Run("blobs are kept for the whole retention window", func(t *testing.T) {
		clock := clocktesting.NewFakeClock(time.Now())
		blobs := storage.NewBlobStore(storage.NewInMemoryStore(), storage.WithClock(clock))
		c := collector.New(blobs, collector.WithRetention(retention), collector.WithClock(clock))
		key, err := blobs.Put("/x", []byte("hello"))
		require.Nil(t, err)

		clock.Step(retention - time.Millisecond)
		removed, err := c.Sweep()
		require.Nil(t, err)
		assert.Equal(t, 0, removed)

		clock.Step(time.Millisecond)
		removed, err = c.Sweep()
		require.Nil(t, err)
		assert.Equal(t, 0, removed)
		_, err = blobs.Get(key)
		assert.Nil(t, err)

		clock.Step(time.Millisecond)
		removed, err = c.Sweep()
		require.Nil(t, err)
		assert.Equal(t, 1, removed)
		_, err = blobs.Get(key)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("only expired blobs are removed", func(t *testing.T) {
		clock := clocktesting.NewFakeClock(time.Now())
		blobs := storage.NewBlobStore(storage.NewInMemoryStore(), storage.WithClock(clock))
		c := collector.New(blobs, collector.WithRetention(retention), collector.WithClock(clock))
		old, err := blobs.Put("/old", []byte("old"))
		require.Nil(t, err)
		clock.Step(retention / 2)
		recent, err := blobs.Put("/recent", []byte("recent"))
		require.Nil(t, err)
		clock.Step(retention/2 + time.Second)

		removed, err := c.Sweep()
		require.Nil(t, err)
		assert.Equal(t, 1, removed)
		_, err = blobs.Get(old)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		value, err := blobs.Get(recent)
		assert.Nil(t, err)
		assert.Equal(t, []byte("recent"), value)
	})
	t.Run("modification time is used when the index does not know a blob", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Now()
		blobs := storage.NewBlobStore(storage.NewDiskStore(dir), storage.WithClock(clocktesting.NewFakePassiveClock(now)))
		c := collector.New(blobs, collector.WithRetention(retention), collector.WithClock(clocktesting.NewFakeClock(now)))

		// Left over by a previous process, or by an upload that never completed.
		for _, name := range []string{"0123456789abcdef", ".upload-123"} {
			p := filepath.Join(dir, name)
			require.Nil(t, ioutil.WriteFile(p, []byte("stale"), 0600))
			then := now.Add(-2 * retention)
			require.Nil(t, os.Chtimes(p, then, then))
		}
		fresh, err := blobs.Put("/fresh", []byte("fresh"))
		require.Nil(t, err)

		removed, err := c.Sweep()
		require.Nil(t, err)
		assert.Equal(t, 2, removed)
		entries, err := blobs.Entries()
		require.Nil(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, fresh, entries[0].Key)
	})
	t.Run("blobs already gone are not failures", func(t *testing.T) {
		store := &fakeStore{
			entries: []storage.Entry{{Key: "a"}, {Key: "b"}},
			failures: map[string]error{
				"a": fmt.Errorf("a: %w", storage.ErrNotFound),
			},
		}
		c := collector.New(store, collector.WithClock(clocktesting.NewFakeClock(time.Now())))
		removed, err := c.Sweep()
		assert.Nil(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, []string{"a", "b"}, store.removed)
	})
	t.Run("failures are aggregated and do not stop the sweep", func(t *testing.T) {
		boom := errors.New("boom")
		store := &fakeStore{
			entries: []storage.Entry{{Key: "a"}, {Key: "b"}, {Key: "c"}, {Key: "d"}},
			failures: map[string]error{
				"a": boom,
				"c": boom,
			},
		}
		c := collector.New(store, collector.WithClock(clocktesting.NewFakeClock(time.Now())))
		removed, err := c.Sweep()
		require.NotNil(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, []string{"a", "b", "c", "d"}, store.removed)
		assert.True(t, errors.Is(err, boom))
		var merr *multierror.Error
		require.True(t, errors.As(err, &merr))
		assert.Len(t, merr.Errors, 2)
	})
	t.Run("listing failure", func(t *testing.T) {
		boom := errors.New("boom")
		c := collector.New(&fakeStore{listErr: boom})
		_, err := c.Sweep()
		assert.True(t, errors.Is(err, boom))
	})
}

func TestRun(t *testing.T) {
	clock := clocktesting.NewFakeClock(time.Now())
	blobs := storage.NewBlobStore(storage.NewInMemoryStore(), storage.WithClock(clock))
	c := collector.New(blobs,
		collector.WithRetention(retention),
		collector.WithInterval(5*time.Second),
		collector.WithClock(clock),
	)
	key, err := blobs.Put("/x", []byte("hello"))
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)

	clock.Step(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	_, err = blobs.Get(key)
	assert.Nil(t, err)

	clock.Step(retention)
	assert.Eventually(t, func() bool {
		_, err := blobs.Get(key)
		return errors.Is(err, storage.ErrNotFound)
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

type fakeStore struct {
	entries  []storage.Entry
	listErr  error
	failures map[string]error
	removed  []string
}

func (s *fakeStore) Entries() ([]storage.Entry, error) {
	return s.entries, s.listErr
}

func (s *fakeStore) Remove(key string) error {
	s.removed = append(s.removed, key)
	return s.failures[key]
}
