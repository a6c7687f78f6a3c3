// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nishisan-dev/n-proxy/internal/config"
	"github.com/nishisan-dev/n-proxy/internal/logging"
	"github.com/nishisan-dev/n-proxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to proxy config file (optional)")
	flag.Parse()

	var cfg *config.ProxyConfig
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	// Argumento posicional: hostname do upstream, sobrepõe a configuração.
	// Sem porta explícita, assume a porta default do protocolo.
	if host := flag.Arg(0); host != "" {
		if !strings.Contains(host, ":") {
			host += ":25565"
		}
		cfg.Upstream = host
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := proxy.Run(ctx, cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}
