package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"rainchain/config"
	"rainchain/core"
	"rainchain/native/oracle"
	"rainchain/observability/logging"
	"rainchain/rpc"
	"rainchain/storage"
)

const defaultFeedID = "rain/RAIN-RUSD"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	logFile := flag.String("log-file", "", "Optional path for rotated log output")
	memDB := flag.Bool("memdb", false, "DEV ONLY: keep state in memory instead of the data directory")
	devPrice := flag.String("dev-price", "", "DEV ONLY: static RAIN/RUSD rate served by the in-process feed (e.g. \"2\" or \"3/2\")")
	faucet := flag.Bool("faucet", false, "DEV ONLY: expose rain_fundAccount over RPC")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAIN_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.LogEnvironment
	}

	var logger *slog.Logger
	if *logFile != "" {
		logger = logging.SetupWithRotation("raind", env, *logFile)
	} else {
		logger = logging.Setup("raind", env)
	}

	var db storage.Database
	if *memDB {
		logger.Warn("using in-memory database, state will not survive restarts")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = ldb
	}
	defer db.Close()

	feed := oracle.NewStaticFeed()
	if *devPrice != "" {
		rate, ok := new(big.Rat).SetString(*devPrice)
		if !ok || rate.Sign() <= 0 {
			logger.Error("invalid dev-price rate", slog.String("rate", *devPrice))
			os.Exit(1)
		}
		startDevFeed(logger, feed, rate, time.Duration(cfg.OracleMaxAgeSecs)*time.Second)
	}

	ledger, err := core.NewLedger(db, feed, cfg)
	if err != nil {
		logger.Error("Failed to initialise ledger", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(ledger, logger)
	if *faucet {
		logger.Warn("faucet enabled, rain_fundAccount mints balances on demand")
		server.EnableFaucet()
	}
	readHeaderTimeout := time.Duration(cfg.RPCReadHeaderTimeoutMs) * time.Millisecond
	if err := server.Start(cfg.RPCAddress, readHeaderTimeout); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// startDevFeed publishes a fixed rate and keeps re-stamping it so the
// freshness check never rejects it. Strictly a development convenience, a
// real deployment points the ledger at an external feed.
func startDevFeed(logger *slog.Logger, feed *oracle.StaticFeed, rate *big.Rat, maxAge time.Duration) {
	feedID := []byte(defaultFeedID)
	feed.SetPrice(feedID, rate, time.Now())
	logger.Info("serving static dev price",
		slog.String("feed", defaultFeedID),
		slog.String("rate", rate.RatString()))

	interval := maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			feed.SetPrice(feedID, rate, time.Now())
		}
	}()
}
