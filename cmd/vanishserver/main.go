package main

import (
	"context"
	"flag"
	"fmt"
	golog "log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/google/gops/agent"
	"github.com/nicolagi/vanish/collector"
	"github.com/nicolagi/vanish/server"
	"github.com/nicolagi/vanish/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	configFile := flag.String("config", os.ExpandEnv("$HOME/lib/vanish/vanishserver.config"), "location of configuration file")
	flag.Parse()

	opts, err := loadConfig(*configFile)
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": *configFile,
		}).Fatal("Could not load configuration")
	}

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}

	cleanup := redirectLogging(opts)
	defer cleanup()

	if err := agent.Listen(agent.Options{}); err != nil {
		log.WithField("err", err).Warn("Could not start gops agent")
	} else {
		defer agent.Close()
	}

	dataPath := os.ExpandEnv(opts.DataPath)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatalf("Could not ensure directory %q exists: %v", dataPath, err)
	}
	indexPath := os.ExpandEnv(opts.IndexPath)
	if err := os.MkdirAll(filepath.Dir(indexPath), 0700); err != nil {
		log.Fatalf("Could not ensure directory %q exists: %v", filepath.Dir(indexPath), err)
	}
	db, err := bolt.Open(indexPath, 0600, nil)
	if err != nil {
		log.Fatalf("Could not open database %q: %v", indexPath, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warnf("Could not close boltdb database: %v", err)
		}
	}()
	index, err := storage.NewBoltIndex(db)
	if err != nil {
		log.Fatalf("Could not instantiate boltdb index at %q: %v", indexPath, err)
	}

	blobs := storage.NewBlobStore(
		storage.NewDiskStore(dataPath),
		storage.WithIndex(index),
		storage.WithDiskGuard(&storage.DiskGuard{
			Dir:        dataPath,
			MaxPercent: opts.MaxDiskPercent,
		}),
	)
	log.Infof("Will use a disk-based backend storing data at %s", dataPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc := collector.New(blobs,
		collector.WithInterval(opts.sweepInterval),
		collector.WithRetention(opts.retention),
	)
	go gc.Run(ctx)

	serverOpts := []server.Option{
		server.WithAddress(opts.ListenAddress),
		server.WithBlobStore(blobs),
		server.WithMaxConcurrent(opts.MaxConcurrent),
		server.WithIdleTimeout(opts.idleTimeout),
		server.WithReadTimeout(opts.readTimeout),
		server.WithPublicHost(opts.PublicHost),
		server.WithRetention(opts.retention),
	}
	if opts.AcceptRate > 0 {
		serverOpts = append(serverOpts, server.WithAcceptRate(rate.Limit(opts.AcceptRate), opts.AcceptBurst))
	}
	srv := server.New(serverOpts...)
	addr, err := srv.Listen()
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"addr": opts.ListenAddress,
		}).Fatal("Could not listen")
	}
	log.WithFields(log.Fields{
		"addr":          addr,
		"maxConcurrent": opts.MaxConcurrent,
		"retention":     opts.retention,
	}).Info("Listening")

	// Serve only returns after Shutdown, so the signal handler has to be in
	// place first.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		sig := <-c
		log.WithField("signal", sig).Info("Shutting down server")
		cancel()
		if err := srv.Shutdown(); err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("Could not shut down the server cleanly")
		}
	}()

	if err := srv.Serve(); err != nil {
		log.Error(err)
	}
}

func redirectLogging(c *config) (cleanup func()) {
	golog.SetOutput(log.StandardLogger().Writer())
	if c.LogPath == "" {
		return func() {}
	}
	pathname := os.ExpandEnv(c.LogPath)
	logger := log.WithField("pathname", pathname)
	f, err := os.OpenFile(pathname, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		logger.WithField("err", err).Fatal("Could not open log file")
	}
	logger.Info("Lines after this one will be logged to a file")
	log.SetOutput(f)
	return func() {
		if err := f.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Could not close log file cleanly %q: %v\n", pathname, err)
		}
	}
}
