// Command natchat-server runs the rendezvous server natchat peers use to find
// each other, optionally with a built-in STUN responder.
//
// Endpoints:
//
//	POST /register          {"username", "ip", "port"}
//	GET  /get_peer/{id}
//	GET  /list_peers
//	GET  /health, /api/stats
//	WS   /ws
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/natchat/internal/config"
	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/internal/rendezvous"
	"github.com/saintparish4/natchat/pkg/stun"
)

var version = "dev" // Set via ldflags

const usage = `natchat-server: rendezvous server for natchat peers.

Usage:
  natchat-server [options]
  natchat-server -h | --help
  natchat-server --version

Options:
  -a, --addr <addr>       HTTP listen address (default :10000)
  -s, --stun-addr <addr>  Also answer STUN Binding requests on this UDP address
  -c, --config <file>     YAML configuration file
  -v, --verbose           Enable debug logging
  -h, --help              Print this message and exit
  --version               Print version and exit

Environments:
  PORT               HTTP listen port, overrides the config file
  NATCHAT_LOG_LEVEL  Log level (debug, info, warn, error)
`

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("natchat-server failed")
	}
}

func run() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "natchat-server "+version)
	if err != nil {
		return err
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr, _ := opts.String("--stun-addr"); addr != "" {
		cfg.STUN.Addr = addr
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if err := logging.Setup(cfg.Log.Level, logging.Format(cfg.Log.Format), os.Stderr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rendezvous.NewServer(rendezvous.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
	}, rendezvous.NewRegistry())

	var stunServer *stun.Server
	if cfg.STUN.Addr != "" {
		stunServer, err = stun.Listen(cfg.STUN.Addr)
		if err != nil {
			return fmt.Errorf("stun responder: %w", err)
		}
	}

	log := logging.For("natchat-server")
	log.WithFields(logrus.Fields{
		"version": version,
		"addr":    cfg.Server.Addr,
		"stun":    cfg.STUN.Addr,
	}).Info("Starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if stunServer != nil {
		g.Go(func() error { return stunServer.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stunServer != nil {
			stunServer.Close()
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	stats := server.Registry().Stats()
	log.WithField("stats", stats.String()).Info("Stopped")
	return nil
}
