package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nicolagi/vanish/client"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage:
	vanish [flags] put FILE
	vanish [flags] get KEY
	vanish [flags] delete KEY
Use "-" as FILE to upload from standard input.
Flags:
`)
	flag.PrintDefaults()
}

func main() {
	server := flag.String("server", "127.0.0.1:80", "`address` of the server")
	timeout := flag.Duration("timeout", 10*time.Second, "time limit for each request")
	debug := flag.Bool("debug", false, "log more")
	flag.Usage = usage
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	c := client.New(client.WithAddress(*server), client.WithTimeout(*timeout))
	logger := log.WithFields(log.Fields{
		"op":     args[0],
		"arg":    args[1],
		"server": *server,
	})
	switch args[0] {
	case "put":
		data, name, err := readInput(args[1])
		if err != nil {
			logger.WithField("err", err).Fatal("Could not read input")
		}
		upload, err := c.Put(name, data)
		if err != nil {
			logger.WithField("err", err).Fatal("Could not upload")
		}
		logger.WithFields(log.Fields{
			"key":  upload.Key,
			"size": humanize.Bytes(uint64(len(data))),
		}).Debug("Uploaded")
		fmt.Println(upload.URL)
	case "get":
		data, err := c.Get(args[1])
		if err != nil {
			logger.WithField("err", err).Fatal("Could not download")
		}
		if _, err := os.Stdout.Write(data); err != nil {
			logger.WithField("err", err).Fatal("Could not write output")
		}
	case "delete":
		if err := c.Delete(args[1]); err != nil {
			logger.WithField("err", err).Fatal("Could not delete")
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func readInput(arg string) (data []byte, name string, err error) {
	if arg == "-" {
		data, err = ioutil.ReadAll(os.Stdin)
		return data, "stdin", err
	}
	data, err = ioutil.ReadFile(arg)
	return data, filepath.Base(arg), err
}
