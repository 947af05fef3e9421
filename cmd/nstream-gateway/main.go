// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/gateway"
	"github.com/nishisan-dev/n-stream/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/nstream/gateway.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Run(ctx, cfg, logger); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
