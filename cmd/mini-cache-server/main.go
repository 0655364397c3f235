// mini-cache-server runs the reference cache server.
//
// Usage:
//
//	mini-cache-server [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file, TOML or YAML (default "mini-cache.toml")
//	-listen string
//	    Listen address (overrides config)
//	-advertise string
//	    Address registered for clients (overrides config)
//	-v
//	    Enable debug logging
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mini-cache/config"
	"mini-cache/registry"
	"mini-cache/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "mini-cache.toml", "Path to configuration file, TOML or YAML")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	advertise := flag.String("advertise", "", "Address registered for clients (overrides config)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mini-cache-server - reference mini-cache server\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  mini-cache-server [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("mini-cache-server version %s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *advertise != "" {
		cfg.Server.Advertise = *advertise
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Only the etcd registry is shared with clients; a static list is the
	// client's business.
	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		if reg, err = cfg.NewRegistry(logger); err != nil {
			logger.Error("failed to connect to registry", zap.Error(err))
			return 1
		}
		defer reg.Close()
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		logger.Error("failed to listen", zap.String("listen", cfg.Server.Listen), zap.Error(err))
		return 1
	}

	svr := server.NewServer(cfg.ServerOptions(logger)...)
	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.ServeListener(ln, cfg.Server.Advertise, reg) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("mini-cache-server started", zap.String("version", Version))
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("server stopped unexpectedly", zap.Error(err))
			return 1
		}
	}

	if err := svr.Shutdown(cfg.Server.ShutdownTimeout.Std()); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
		return 1
	}
	return 0
}
