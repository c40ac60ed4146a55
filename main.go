package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptostream/config"
	"cryptostream/logger"
	"cryptostream/recorder"
	"cryptostream/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":   cfg.Cryptostream.Name,
		"version":   cfg.Cryptostream.Version,
		"env":       env,
		"exchanges": cfg.EnabledExchanges(),
	}).Info("starting cryptostream")

	if _, err := os.Stat(*shardPath); err == nil {
		shards, err := config.LoadIPShards(*shardPath)
		if err != nil {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
		if err := cfg.ApplyShards(shards, env); err != nil {
			log.WithError(err).Error("invalid shard assignment")
			os.Exit(1)
		}
	} else if env.ProductionLike() {
		log.WithFields(logger.Fields{"path": *shardPath}).Warn("no shard file; using the default source IP")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}
	if cfg.Report.Enabled || cfg.Logging.Level == "report" {
		logger.StartReport(ctx, log, cfg.Report.Interval)
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		uploader, err := recorder.NewS3Uploader(ctx, cfg.Recorder)
		if err != nil {
			log.WithError(err).Error("failed to create S3 uploader")
			os.Exit(1)
		}
		rec = recorder.New(recorder.Options{
			Prefix:        cfg.Recorder.Prefix,
			FlushInterval: cfg.Recorder.FlushInterval,
			MaxRows:       cfg.Recorder.MaxRows,
			BookDepth:     cfg.Recorder.BookDepth,
		}, uploader)
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("recorder disabled")
	}

	streams := make([]*stream.Stream, 0, len(cfg.EnabledExchanges()))
	for _, name := range cfg.EnabledExchanges() {
		s, err := newStream(ctx, cfg, name, rec)
		if err != nil {
			log.WithError(err).WithExchange(name).Error("failed to set up exchange")
			os.Exit(1)
		}
		streams = append(streams, s)
	}

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *stream.Stream) {
			defer wg.Done()
			if err := s.Connect(ctx); err != nil {
				log.WithError(err).WithExchange(s.Name()).Warn("stream failed to start")
			}
		}(s)
	}
	wg.Wait()
	log.Info("all streams started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		for _, s := range streams {
			if err := s.Close(); err != nil {
				log.WithError(err).WithExchange(s.Name()).Warn("stream close failed")
			}
		}
		if rec != nil {
			log.Info("stopping recorder")
			rec.Stop()
		}
		cancel()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptostream stopped")
}
