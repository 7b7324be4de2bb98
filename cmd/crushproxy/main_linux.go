//go:build linux
// +build linux

// File: cmd/crushproxy/main_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Command crushproxy relays TCP or UDP traffic to a real endpoint and lets
// an operator inject faults from a line-oriented console on stdin.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/momentics/crushproxy/control"
	"github.com/momentics/crushproxy/reactor"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "crushproxy: %v\n", err)
		os.Exit(2)
	}

	log.SetHandler(text.New(os.Stderr))
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("log level")
	}
	log.SetLevel(level)

	rcfg := reactor.DefaultConfig()
	rcfg.Logger = log.Log
	rcfg.Affinity = cfg.CPUs
	r, err := reactor.New(rcfg)
	if err != nil {
		log.WithError(err).Fatal("reactor.New")
	}
	defer r.Close()

	crusher, err := newCrusher(r, cfg, log.Log)
	if err != nil {
		log.WithError(err).Fatal("newCrusher")
	}
	if err := crusher.Open(); err != nil {
		log.WithError(err).Fatal("open")
	}
	defer crusher.Close()

	probes := control.NewProbes()
	registerProbes(probes, crusher, cfg, r.Executor())
	con := &console{crusher: crusher, probes: probes, jobs: r.Executor(), out: os.Stdout}

	// stdin may be closed when running detached; the relay keeps going
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("shutdown signal received")
			return
		case <-r.Done():
			log.WithError(r.Err()).Error("reactor stopped")
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			err := con.exec(line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(os.Stdout, "error: %v\n", err)
			}
		}
	}
}
