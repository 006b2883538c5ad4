package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/botbuilder"
	"github.com/zzhangb4/Lishogi-Bot/internal/config"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

const version = "0.1"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		upgrade bool
		verbose bool
		cfgPath string
		logFile string
	)
	flag.BoolVar(&upgrade, "u", false, "upgrade the account to a bot account")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.StringVar(&cfgPath, "config", "", "path to config.yml")
	flag.StringVar(&logFile, "l", "", "log file")
	flag.StringVar(&logFile, "logfile", "", "log file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	// LOG_* variables are the base; config.yml and flags override them.
	logOpts := obslog.OptionsFromEnv()
	if cfg.Log.Level != "" {
		logOpts.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logOpts.Format = cfg.Log.Format
	}
	if cfg.Log.File != "" {
		logOpts.File = cfg.Log.File
	}
	if verbose {
		logOpts.Level = "debug"
		logOpts.Caller = true
	}
	if logFile != "" {
		logOpts.File = logFile
	}
	if err := obslog.Init(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		return 1
	}
	defer obslog.Sync()
	logger := obslog.L()
	logger.Info("lishogi-bot", zap.String("version", version), zap.String("url", cfg.URL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := botbuilder.New(ctx, cfg, botbuilder.Options{
		Upgrade:       upgrade,
		ClientOptions: []botapi.Option{botapi.WithUserAgent("lishogi-bot/" + version)},
		Logger:        logger,
	})
	if err != nil {
		if errors.Is(err, botbuilder.ErrNotBot) {
			logger.Error("not_a_bot", zap.Error(err))
		} else {
			logger.Error("startup_failed", zap.Error(err))
		}
		return 1
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("close_failed", zap.Error(err))
		}
	}()
	logger.Info("welcome", zap.String("username", deps.Profile.Username))

	if err := deps.Run(ctx); err != nil {
		logger.Error("bot_stopped", zap.Error(err))
		return 1
	}
	logger.Info("bot_exited")
	return 0
}
