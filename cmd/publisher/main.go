package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/ordersync/internal/config"
	"github.com/ksred/ordersync/internal/database"
	"github.com/ksred/ordersync/internal/gateway"
	"github.com/ksred/ordersync/internal/publisher"
	"github.com/ksred/ordersync/internal/queue"
)

func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main publishes one batch and exits. The batch file holds either explicit
// orders or a target list, in the same shape as the publish endpoint:
//
//	{"orders": [{"instrument_code": "600519.XSHG", "quantity": 100, "side": "BUY"}]}
//	{"targets": ["600519.XSHG", "300750.XSHE"], "protected": ["002594.XSHE"]}
func main() {
	batchPath := flag.String("batch", "batch.json", "path of the batch file")
	dryRun := flag.Bool("dry-run", false, "print the drafts without publishing")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	raw, err := os.ReadFile(*batchPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", *batchPath).Msg("Failed to read batch file")
	}
	var req publisher.PublishRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		zlog.Fatal().Err(err).Str("path", *batchPath).Msg("Failed to parse batch file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	drafts := req.Orders
	if len(req.Targets) > 0 {
		gw, err := gateway.Open(cfg.Gateway, cfg.GatewayURL, 0, gateway.DefaultPaperConfig())
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize gateway")
		}
		holdings, err := gw.Positions(ctx, cfg.AccountID)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to fetch holdings")
		}
		drafts = publisher.BuildRebalance(publisher.RebalancePlan{
			Targets:   req.Targets,
			Holdings:  holdings,
			Protected: req.Protected,
			Prices:    req.Prices,
		})
	}

	for _, d := range drafts {
		zlog.Info().
			Str("code", d.InstrumentCode).
			Str("side", d.Side.String()).
			Int64("quantity", d.Quantity).
			Msg("draft")
	}
	if *dryRun {
		return
	}

	db, err := database.NewDatabase(database.Options{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Debug:  cfg.Debug,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	result, err := publisher.New(queue.NewDatabase(db, cfg.Location), cfg.Retention()).Publish(ctx, drafts)
	if err != nil {
		zlog.Error().Err(err).Msg("Publish failed")
		database.Close(db)
		os.Exit(1)
	}

	zlog.Info().
		Str("batch_date", result.BatchDate).
		Int("inserted", result.Inserted).
		Msg("Publisher exiting")
}
