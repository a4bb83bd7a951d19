// Package collector removes blobs once they have outlived the retention
// window.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/nicolagi/vanish/storage"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Store is what the collector needs from storage. It is satisfied by
// *storage.BlobStore.
type Store interface {
	Entries() ([]storage.Entry, error)
	Remove(key string) error
}

type options struct {
	interval  time.Duration
	retention time.Duration
	clock     clock.WithTicker
}

type Option func(*options)

// WithInterval sets how often a sweep runs.
func WithInterval(value time.Duration) Option {
	return func(o *options) {
		o.interval = value
	}
}

// WithRetention sets how long a blob is kept after its creation.
func WithRetention(value time.Duration) Option {
	return func(o *options) {
		o.retention = value
	}
}

func WithClock(value clock.WithTicker) Option {
	return func(o *options) {
		o.clock = value
	}
}

type Collector struct {
	store Store
	opts  options
}

func New(store Store, opts ...Option) *Collector {
	c := &Collector{store: store}
	c.opts.interval = 5 * time.Second
	c.opts.retention = time.Hour
	c.opts.clock = clock.RealClock{}
	for _, o := range opts {
		o(&c.opts)
	}
	return c
}

// Run sweeps once per interval until ctx is done. Sweep errors are logged,
// the next tick tries again.
func (c *Collector) Run(ctx context.Context) {
	ticker := c.opts.clock.NewTicker(c.opts.interval)
	defer ticker.Stop()
	log.WithFields(log.Fields{
		"interval":  c.opts.interval,
		"retention": c.opts.retention,
	}).Info("Collector started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Collector stopped")
			return
		case <-ticker.C():
			removed, err := c.Sweep()
			if err != nil {
				log.WithField("err", err).Warn("Sweep incomplete")
			}
			if removed > 0 {
				log.WithField("removed", removed).Debug("Sweep done")
			}
		}
	}
}

// Sweep removes every blob strictly older than the retention window. A blob
// that disappears in the meantime, e.g., deleted by a client, is not a
// failure. Other failures do not stop the sweep, they are all returned
// together.
func (c *Collector) Sweep() (removed int, err error) {
	entries, err := c.store.Entries()
	if err != nil {
		return 0, fmt.Errorf("listing: %w", err)
	}
	now := c.opts.clock.Now()
	var errs *multierror.Error
	for _, e := range entries {
		age := now.Sub(e.CreatedAt)
		if age <= c.opts.retention {
			continue
		}
		logger := log.WithFields(log.Fields{
			"key":  e.Key,
			"age":  age.Round(time.Second),
			"size": humanize.Bytes(uint64(e.Size)),
		})
		if err := c.store.Remove(e.Key); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.WithField("err", err).Debug("Already gone")
				continue
			}
			logger.WithField("err", err).Warn("Could not remove")
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", e.Key, err))
			continue
		}
		logger.Info("Expired")
		removed++
	}
	return removed, errs.ErrorOrNil()
}
