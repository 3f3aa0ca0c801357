// Package influx writes miner time series to InfluxDB.
// Points are written through the non-blocking write API and flushed in
// batches; write failures are reported to a caller supplied callback.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	wallet   string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Wallet tags every point
	Wallet string
}

// NewClient creates an InfluxDB client after a health check. onError, if
// set, receives asynchronous write failures.
func NewClient(ctx context.Context, cfg *Config, onError func(error)) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := checkHealth(healthCtx, client); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connect",
			"InfluxDB is not healthy").
			WithContext("url", cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		wallet:   cfg.Wallet,
	}

	errCh := c.writeAPI.Errors()
	go func() {
		for err := range errCh {
			if onError != nil {
				onError(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_write",
					"failed to write points"))
			}
		}
	}()

	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return err
	}

	if health.Status != "pass" {
		msg := "status " + string(health.Status)
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeDatabase, "influx_health", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces all pending writes
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteSnapshot writes the aggregate hashrate and one point per worker
func (c *Client) WriteSnapshot(s miner.Snapshot) {
	at := s.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint("hashrate",
		map[string]string{"wallet": c.wallet},
		map[string]any{
			"hashrate":        s.Hashrate,
			"total_hashes":    int64(s.TotalHashes),
			"accepted_shares": int64(s.AcceptedShares),
			"workers":         len(s.Workers),
		},
		at))

	for _, w := range s.Workers {
		c.writeAPI.WritePoint(write.NewPoint("worker_hashrate",
			map[string]string{
				"wallet":    c.wallet,
				"worker_id": strconv.Itoa(w.WorkerID),
			},
			map[string]any{
				"hashrate":     w.Hashrate,
				"total_hashes": int64(w.TotalHashes),
			},
			at))
	}
}

// WriteShare writes a locally found share
func (c *Client) WriteShare(share miner.Share, job *miner.Job) {
	fields := map[string]any{
		"count": 1,
		"nonce": share.NonceHex(),
	}
	if job != nil {
		fields["difficulty"] = job.Difficulty
	}

	c.writeAPI.WritePoint(write.NewPoint("shares",
		map[string]string{
			"wallet":    c.wallet,
			"worker_id": strconv.Itoa(share.WorkerID),
			"job_id":    share.JobID,
		},
		fields,
		time.Now()))
}

// WriteShareResult writes a pool verdict on a submitted share
func (c *Client) WriteShareResult(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}

	c.writeAPI.WritePoint(write.NewPoint("share_results",
		map[string]string{"wallet": c.wallet, "result": result},
		map[string]any{"count": 1},
		time.Now()))
}

// WriteJob writes a received job
func (c *Client) WriteJob(job *miner.Job) {
	c.writeAPI.WritePoint(write.NewPoint("jobs",
		map[string]string{"wallet": c.wallet},
		map[string]any{
			"job_id":     job.ID,
			"difficulty": job.Difficulty,
			"blob_size":  len(job.Blob),
		},
		job.Received))
}
