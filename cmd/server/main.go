package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/arhyth/walletxgo"
	"github.com/bwmarrin/snowflake"
	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var cfg walletxgo.Config
	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	if err = yaml.NewDecoder(cfgfl).Decode(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("error decoding config file")
	}

	pgendpt, err := walletxgo.NewPostgresEndpoint(cfg.Database.ConnectionString, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting database")
	}
	defer pgendpt.Close()

	node, err := snowflake.NewNode(1)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting snowflake node")
	}

	txmgr := walletxgo.NewPgTxManager(pgendpt.Pool(), cfg.Database.LockWaitMillis, &logger)
	svc, err := walletxgo.NewService(pgendpt, pgendpt, pgendpt, txmgr, pgendpt.Pool(), node, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}

	limits := walletxgo.NewServiceLimits(
		cfg.Limits.CreateAccount,
		cfg.Limits.Deposit,
		cfg.Limits.Transfer,
		cfg.Limits.Account,
		cfg.Limits.Statement,
	)
	var wrapped walletxgo.Service = svc
	for _, mw := range []walletxgo.Middleware{
		walletxgo.NewValidationMiddleware(),
		walletxgo.NewLimitMiddleware(limits),
		walletxgo.NewCircuitBreakMiddleware(walletxgo.NewServiceBreaker()),
	} {
		wrapped = mw(wrapped)
	}

	hndlr := walletxgo.NewHTTPHandler(wrapped, &logger)
	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":3000"
	}
	logger.Info().Str("addr", addr).Msg("listening")
	if err = http.ListenAndServe(addr, hndlr); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
