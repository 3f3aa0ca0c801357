// Package database coordinates the miner's optional stores.
// Redis holds live state and InfluxDB holds time series. Either may be
// disabled by leaving its configuration nil.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/cnminer/internal/database/influx"
	"github.com/bardlex/cnminer/internal/database/redis"
	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/circuit"
	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/retry"
)

// Manager coordinates writes across Redis and InfluxDB
type Manager struct {
	Redis  *redis.Client
	Influx *influx.Client

	wallet         string
	statsTTL       time.Duration
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for the stores. A nil store config disables
// that store.
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config

	Wallet   string
	StatsTTL time.Duration

	// OnInfluxError receives asynchronous InfluxDB write failures
	OnInfluxError func(error)
	// OnStateChange observes the Redis circuit breaker
	OnStateChange func(name string, from, to circuit.State)
}

// NewManager connects every configured store
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	m := &Manager{
		wallet:      cfg.Wallet,
		statsTTL:    cfg.StatsTTL,
		retryConfig: retry.SinkConfig(),
	}
	if m.statsTTL <= 0 {
		m.statsTTL = 5 * time.Minute
	}

	cbConfig := circuit.DefaultConfig("redis")
	cbConfig.MaxFailures = 3
	cbConfig.OnStateChange = cfg.OnStateChange
	m.circuitBreaker = circuit.New(cbConfig)

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(ctx, cfg.Influx, cfg.OnInfluxError)
		if err != nil {
			if m.Redis != nil {
				if closeErr := m.Redis.Close(); closeErr != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
						"failed to connect to InfluxDB").
						WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, err
		}
		m.Influx = influxClient
	}

	return m, nil
}

// Enabled reports whether any store is configured
func (m *Manager) Enabled() bool {
	return m.Redis != nil || m.Influx != nil
}

// Close closes all store connections
func (m *Manager) Close() error {
	if m.Influx != nil {
		m.Influx.Close()
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			return fmt.Errorf("redis close error: %w", err)
		}
	}
	return nil
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// withRedis runs fn against Redis under the breaker and retry policy
func (m *Manager) withRedis(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if m.Redis == nil {
		return nil
	}
	return m.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, operation,
					"redis write failed").
					WithContext("wallet", m.wallet)
			}
			return nil
		})
	})
}

// RecordSnapshot stores a stats snapshot in both stores
func (m *Manager) RecordSnapshot(ctx context.Context, s miner.Snapshot) error {
	if m.Influx != nil {
		m.Influx.WriteSnapshot(s)
	}

	return m.withRedis(ctx, "record_snapshot", func(ctx context.Context) error {
		if err := m.Redis.SetStats(ctx, m.wallet, s, m.statsTTL); err != nil {
			return err
		}
		at := s.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		return m.Redis.RecordHashrate(ctx, m.wallet, s.Hashrate, at, m.statsTTL)
	})
}

// RecordShare stores a locally found share
func (m *Manager) RecordShare(ctx context.Context, share miner.Share, job *miner.Job) error {
	if m.Influx != nil {
		m.Influx.WriteShare(share, job)
	}

	return m.withRedis(ctx, "record_share", func(ctx context.Context) error {
		_, err := m.Redis.IncrementShares(ctx, m.wallet, 24*time.Hour)
		return err
	})
}

// RecordShareResult stores a pool verdict. Only InfluxDB keeps these.
func (m *Manager) RecordShareResult(accepted bool) {
	if m.Influx != nil {
		m.Influx.WriteShareResult(accepted)
	}
}

// RecordJob stores a newly received job
func (m *Manager) RecordJob(ctx context.Context, job *miner.Job) error {
	if m.Influx != nil {
		m.Influx.WriteJob(job)
	}

	return m.withRedis(ctx, "record_job", func(ctx context.Context) error {
		return m.Redis.SetCurrentJob(ctx, m.wallet, job, m.statsTTL)
	})
}

// LiveStats reads the cached snapshot. It returns nil when Redis is
// disabled or holds nothing.
func (m *Manager) LiveStats(ctx context.Context) (*miner.Snapshot, error) {
	if m.Redis == nil {
		return nil, nil
	}
	return m.Redis.GetStats(ctx, m.wallet)
}
