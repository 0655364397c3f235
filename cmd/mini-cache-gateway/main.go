// mini-cache-gateway serves the mini-cache HTTP API: a client routing to the
// servers of the configured registry, exposed through the rest package.
//
// Usage:
//
//	mini-cache-gateway [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file, TOML or YAML (default "mini-cache.toml")
//	-listen string
//	    HTTP listen address (overrides config)
//	-write-config string
//	    Write the effective configuration to this path and exit
//	-v
//	    Enable debug logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mini-cache/client"
	"mini-cache/config"
	"mini-cache/metrics"
	"mini-cache/rest"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "mini-cache.toml", "Path to configuration file, TOML or YAML")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path and exit")
	verbose := flag.Bool("v", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mini-cache-gateway - HTTP gateway to mini-cache servers\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  mini-cache-gateway [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("mini-cache-gateway version %s\n", Version)
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
		cfg.REST.Listen = *listen
	}
	if *writeConfig != "" {
		if err := config.Save(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			return 1
		}
		return 0
	}
	if !cfg.REST.Enabled {
		fmt.Fprintln(os.Stderr, "rest is disabled in the configuration")
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	reg, err := cfg.NewRegistry(logger)
	if err != nil {
		logger.Error("failed to open registry", zap.Error(err))
		return 1
	}
	defer reg.Close()

	sink := metrics.NewSink(metrics.DefaultNamespace)
	cli, err := client.New(reg, cfg.ClientOptions(logger, sink))
	if err != nil {
		logger.Error("failed to create client", zap.Error(err))
		return 1
	}
	defer cli.Close()

	httpServer := &http.Server{
		Addr:              cfg.REST.Listen,
		Handler:           rest.NewHandler(cli, sink, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("mini-cache-gateway started", zap.String("listen", cfg.REST.Listen), zap.String("version", Version))
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped unexpectedly", zap.Error(err))
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return 0
}
