// p2pdesk - escrow settlement engine for peer-to-peer crypto trades
package main

import (
	"context"
	"os"

	"github.com/mbd888/p2pdesk/internal/config"
	"github.com/mbd888/p2pdesk/internal/logging"
	"github.com/mbd888/p2pdesk/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting p2pdesk",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"platform_account", cfg.PlatformAccount,
		"buyer_fee_rate", cfg.BuyerFeeRate.String(),
		"seller_fee_rate", cfg.SellerFeeRate.String(),
		"payment_window", cfg.PaymentWindow.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
