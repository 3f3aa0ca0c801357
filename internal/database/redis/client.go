// Package redis caches live miner state in Redis.
// It holds the latest stats snapshot, the current job and a sliding
// hashrate window so dashboards can read them without scraping the miner.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JobInfo is the cached view of the current job
type JobInfo struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Difficulty float64   `json:"difficulty"`
	BlobSize   int       `json:"blob_size"`
	Received   time.Time `json:"received"`
}

// NewClient creates a Redis client and verifies the connection
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		DisableIdentity: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connect",
			"failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func statsKey(wallet string) string    { return "cnminer:" + wallet + ":stats" }
func jobKey(wallet string) string      { return "cnminer:" + wallet + ":job" }
func sharesKey(wallet string) string   { return "cnminer:" + wallet + ":shares" }
func hashrateKey(wallet string) string { return "cnminer:" + wallet + ":hashrate" }

// SetStats stores the latest snapshot for wallet
func (c *Client) SetStats(ctx context.Context, wallet string, s miner.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	if err := c.rdb.Set(ctx, statsKey(wallet), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set stats: %w", err)
	}
	return nil
}

// GetStats reads the latest snapshot. A missing key yields nil, nil.
func (c *Client) GetStats(ctx context.Context, wallet string) (*miner.Snapshot, error) {
	data, err := c.rdb.Get(ctx, statsKey(wallet)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	var s miner.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &s, nil
}

// SetCurrentJob caches the job being mined
func (c *Client) SetCurrentJob(ctx context.Context, wallet string, job *miner.Job, ttl time.Duration) error {
	data, err := json.Marshal(NewJobInfo(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := c.rdb.Set(ctx, jobKey(wallet), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// NewJobInfo projects a job onto its cached form
func NewJobInfo(job *miner.Job) JobInfo {
	return JobInfo{
		ID:         job.ID,
		Target:     job.TargetHex,
		Difficulty: job.Difficulty,
		BlobSize:   len(job.Blob),
		Received:   job.Received,
	}
}

// IncrementShares bumps the found-share counter and returns the new value
func (c *Client) IncrementShares(ctx context.Context, wallet string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, sharesKey(wallet))
	pipe.Expire(ctx, sharesKey(wallet), expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment shares: %w", err)
	}
	return incrCmd.Val(), nil
}

// RecordHashrate appends a sample to the sliding hashrate window
func (c *Client) RecordHashrate(ctx context.Context, wallet string, hashrate float64, at time.Time, window time.Duration) error {
	key := hashrateKey(wallet)
	ts := at.UnixMilli()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: hashrateMember(ts, hashrate)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(ts-window.Milliseconds(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record hashrate: %w", err)
	}
	return nil
}

// AverageHashrate averages the samples recorded within window
func (c *Client) AverageHashrate(ctx context.Context, wallet string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).UnixMilli()

	members, err := c.rdb.ZRangeByScore(ctx, hashrateKey(wallet), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate samples: %w", err)
	}

	return averageMembers(members), nil
}

// hashrateMember keys samples by timestamp so equal rates do not collapse
func hashrateMember(ts int64, hashrate float64) string {
	return strconv.FormatInt(ts, 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64)
}

func averageMembers(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		_, rate, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			continue
		}
		total += v
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
