package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rogpeppe/rjson"
)

type config struct {
	ListenAddress  string  `json:"listen_address"`
	PublicHost     string  `json:"public_host"`
	DataPath       string  `json:"data_path"`
	IndexPath      string  `json:"index_path"`
	MaxConcurrent  int     `json:"max_concurrent"`
	Retention      string  `json:"retention"`
	SweepInterval  string  `json:"sweep_interval"`
	IdleTimeout    string  `json:"idle_timeout"`
	ReadTimeout    string  `json:"read_timeout"`
	AcceptRate     float64 `json:"accept_rate"`
	AcceptBurst    int     `json:"accept_burst"`
	MaxDiskPercent float64 `json:"max_disk_percent"`
	Debug          bool    `json:"debug"`
	LogPath        string  `json:"log_path"`

	// Parsed from the string properties above.
	retention     time.Duration
	sweepInterval time.Duration
	idleTimeout   time.Duration
	readTimeout   time.Duration
}

// loadConfig reads the configuration file. A missing file is the same as an
// empty one: every property takes its default value.
func loadConfig(pathname string) (*config, error) {
	c := new(config)
	f, err := os.Open(pathname)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		defer func() {
			_ = f.Close()
		}()
		if err := rjson.NewDecoder(f).Decode(c); err != nil {
			return nil, err
		}
	}
	c.applyDefaultsForMissingProperties()
	if err := c.parseDurations(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *config) applyDefaultsForMissingProperties() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":80"
	}
	if c.DataPath == "" {
		c.DataPath = "$HOME/lib/vanish/files"
	}
	if c.IndexPath == "" {
		c.IndexPath = "$HOME/lib/vanish/index.db"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
	if c.Retention == "" {
		c.Retention = "1h"
	}
	if c.SweepInterval == "" {
		c.SweepInterval = "5s"
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "300ms"
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = "30s"
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = 1
	}
}

func (c *config) parseDurations() error {
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"retention", c.Retention, &c.retention},
		{"sweep_interval", c.SweepInterval, &c.sweepInterval},
		{"idle_timeout", c.IdleTimeout, &c.idleTimeout},
		{"read_timeout", c.ReadTimeout, &c.readTimeout},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s: %q is not positive", d.name, d.value)
		}
		*d.dst = parsed
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent: %d is negative", c.MaxConcurrent)
	}
	return nil
}
