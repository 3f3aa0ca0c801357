// Package main implements the cnminer command, a CryptoNight v0 pool miner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/cnminer/internal/api"
	"github.com/bardlex/cnminer/internal/config"
	"github.com/bardlex/cnminer/internal/database"
	"github.com/bardlex/cnminer/internal/database/influx"
	"github.com/bardlex/cnminer/internal/database/redis"
	"github.com/bardlex/cnminer/internal/messaging"
	"github.com/bardlex/cnminer/internal/metrics"
	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/internal/pool"
	"github.com/bardlex/cnminer/internal/telemetry"
	"github.com/bardlex/cnminer/internal/validation"
	"github.com/bardlex/cnminer/pkg/log"
)

func main() {
	cfg := config.FromEnv()

	showVersion, err := parseFlags(os.Args[1:], cfg)
	if err != nil {
		if isHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("%s %s\n", cfg.ServiceName, cfg.Version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
	}
	os.Exit(code)
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	if cfg.LogFile == "" {
		return log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat), nil
	}
	return log.NewWithRotation(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat,
		cfg.LogFile, cfg.LogMaxSizeKB, cfg.LogMaxRolls)
}

func run(cfg *config.Config, logger *log.Logger) int {
	if !cfg.EngineAvailable {
		logger.Warn("hash engine unavailable, exiting without mining")
		return 0
	}

	logger.Info("starting cnminer",
		"version", cfg.Version,
		"pool_url", cfg.PoolURL,
		"threads", cfg.Threads,
		"api_listen", cfg.APIListen,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize miner")
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	apiErr := app.start(ctx)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-apiErr:
		logger.WithError(err).Error("API server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		return 1
	}

	logger.Info("cnminer stopped")
	return 0
}

// app holds the wired components of a running miner
type app struct {
	logger       *log.Logger
	metrics      *metrics.Metrics
	session      *pool.Session
	orchestrator *miner.Orchestrator
	reporter     *telemetry.Reporter
	validator    *validation.ShareValidator
	api          *api.Server

	cancelReporter context.CancelFunc
	reporterDone   chan struct{}
	apiDone        chan struct{}
	stopOnce       sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	m := metrics.New()

	dialer, err := pool.NewDialer(pool.TransportConfig{
		URL:          cfg.PoolURL,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	session, err := pool.NewSession(pool.Config{
		URL:               cfg.PoolURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		KeepaliveInterval: cfg.KeepaliveInterval,
		SubmitCacheSize:   cfg.SubmitCacheSize,
	}, dialer, pool.NewDialect(cfg.PoolURL, cfg.PoolPassword, cfg.Agent), m, logger)
	if err != nil {
		return nil, err
	}

	var publisher telemetry.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewProducer(cfg.KafkaBrokers, logger, telemetry.BreakerObserver(m))
	}

	var store telemetry.Store
	var storeHealth api.HealthChecker
	dbManager, err := database.NewManager(ctx, storeConfig(cfg, m, logger))
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, err
	}
	if dbManager.Enabled() {
		store = dbManager
		storeHealth = dbManager
	}

	reporter := telemetry.New(m, publisher, store, logger, telemetry.Options{
		Wallet:      cfg.Wallet,
		ShareTopic:  cfg.KafkaTopicShares,
		StatsTopic:  cfg.KafkaTopicStats,
		MinInterval: cfg.StatsInterval / 2,
	})

	var verifier miner.Engine
	if cfg.VerifyShares {
		if verifier, err = miner.CryptoNightEngine(); err != nil {
			_ = reporter.Close()
			return nil, err
		}
	}
	validator := validation.NewShareValidator(cfg.MaxJobAge, verifier)

	orch := miner.New(session, reporter, logger, miner.Options{
		Threads:       cfg.Threads,
		Wallet:        cfg.Wallet,
		BatchSize:     cfg.BatchSize,
		StatsInterval: cfg.StatsInterval,
		EngineFactory: miner.CryptoNightEngine,
		ShareCheck:    validator.Validate,
	})

	return &app{
		logger:       logger,
		metrics:      m,
		session:      session,
		orchestrator: orch,
		reporter:     reporter,
		validator:    validator,
		api:          api.New(cfg.APIListen, orch, storeHealth, m.Handler(), logger),
		reporterDone: make(chan struct{}),
		apiDone:      make(chan struct{}),
	}, nil
}

// storeConfig enables each store whose address is configured
func storeConfig(cfg *config.Config, m *metrics.Metrics, logger *log.Logger) *database.Config {
	dbConfig := &database.Config{
		Wallet:        cfg.Wallet,
		StatsTTL:      cfg.StatsTTL,
		OnInfluxError: telemetry.SinkErrorHandler(m, logger, "influx"),
		OnStateChange: telemetry.BreakerObserver(m),
	}
	if cfg.RedisAddr != "" {
		dbConfig.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     4,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Wallet: cfg.Wallet,
		}
	}
	return dbConfig
}

// start launches the sink writer, the API server and the miner. The
// returned channel yields an API server failure.
func (a *app) start(ctx context.Context) <-chan error {
	reporterCtx, cancel := context.WithCancel(ctx)
	a.cancelReporter = cancel
	go func() {
		defer close(a.reporterDone)
		a.reporter.Run(reporterCtx)
	}()

	apiErr := make(chan error, 1)
	go func() {
		defer close(a.apiDone)
		if err := a.api.ListenAndServe(); err != nil {
			apiErr <- err
		}
	}()

	if err := a.orchestrator.Start(ctx); err != nil {
		a.logger.WithError(err).Warn("initial pool connection failed")
	}
	return apiErr
}

// shutdown stops the miner first so the final sink writes include its last
// events
func (a *app) shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.orchestrator.Stop()

		if shutdownErr := a.api.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
		<-a.apiDone

		a.cancelReporter()
		<-a.reporterDone

		if closeErr := a.reporter.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := a.validator.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
