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
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/substancecache/internal/backend"
	"github.com/edirooss/substancecache/internal/cache"
	"github.com/edirooss/substancecache/internal/cacheerr"
	"github.com/edirooss/substancecache/internal/config"
	"github.com/edirooss/substancecache/pkg/fmtt"
)

func main() {
	configPath := flag.String("config", "", "path to an optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("config load failed: %v", err))
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	if lvl, lerr := zapcore.ParseLevel(cfg.LogLevel); lerr == nil {
		logConfig.Level = zap.NewAtomicLevelAt(lvl)
	}

	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	aliasTable, err := cache.LoadAliasTable(cfg.AliasFile)
	if err != nil {
		log.Warn("alias file load failed, continuing with empty table", zap.Error(err))
		aliasTable = cache.AliasTable{Aliases: map[string][]string{}}
	}

	client := backend.NewHTTPClient(backend.HTTPClientOptions{
		Log: log.Named("backend"),
	})
	parser := backend.NewJSONRecordParser()

	revCfg := cfg.ToRevalidatorConfig()

	holder := cache.NewHolder(cache.BuildWithAliases(nil, aliasTable))
	reval := cache.New(revCfg, holder, client, parser, aliasTable, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startErr := startCache(ctx, reval, revCfg, log)
	if startErr != nil {
		log.Fatal("startup failed", zap.Error(startErr))
	}

	watcher := cache.NewAliasWatcher(log, holder, cfg.AliasFile, 0)
	if err := watcher.Start(ctx); err != nil {
		log.Warn("alias watcher failed to start", zap.Error(err))
	}

	log.Info("substancecached running", zap.String("cache_file", revCfg.CachePath))

	if err := reval.Run(ctx); err != nil {
		log.Fatal("revalidator loop exited with error", zap.Error(err))
	}

	log.Info("substancecached stopped")
}

// startCache chooses between warm start (valid cache file present) and cold
// start (fetch everything from the backend), matching spec.md §5's startup
// sequencing.
func startCache(ctx context.Context, reval *cache.Revalidator, cfg cache.Config, log *zap.Logger) error {
	if cache.CacheExistsAndValid(cfg.CachePath) {
		log.Info("valid cache file found, attempting warm start", zap.String("path", cfg.CachePath))
		if err := reval.WarmStart(ctx); err == nil {
			return nil
		} else {
			log.Warn("warm start failed, falling back to cold start", zap.Error(err))
			if errors.Is(err, cacheerr.ErrLoadIntegrity) {
				fmtt.PrintErrChainDebug(err)
			}
		}
	}

	if err := reval.ColdStart(ctx); err != nil {
		return fmt.Errorf("%w: %v", cacheerr.ErrFatalStartup, err)
	}
	return nil
}
