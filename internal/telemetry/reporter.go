// Package telemetry fans mining events out to metrics and the optional
// Kafka, Redis and InfluxDB sinks.
package telemetry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/cnminer/internal/messaging"
	"github.com/bardlex/cnminer/internal/metrics"
	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/circuit"
	"github.com/bardlex/cnminer/pkg/log"
)

const (
	defaultQueueSize   = 256
	defaultMinInterval = 5 * time.Second
	drainTimeout       = 5 * time.Second
)

// Publisher sends protobuf events to a broker. *messaging.Producer
// implements it.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	Close() error
}

// Store persists live state and time series. *database.Manager implements
// it.
type Store interface {
	RecordSnapshot(ctx context.Context, s miner.Snapshot) error
	RecordShare(ctx context.Context, share miner.Share, job *miner.Job) error
	RecordShareResult(accepted bool)
	RecordJob(ctx context.Context, job *miner.Job) error
	Close() error
}

// Options configures a Reporter
type Options struct {
	Wallet      string
	ShareTopic  string
	StatsTopic  string
	QueueSize   int
	MinInterval time.Duration // minimum spacing of snapshots sent to sinks
}

// sinkTask is one unit of sink I/O executed off the control goroutine
type sinkTask struct {
	sink string
	run  func(ctx context.Context) error
}

// Reporter implements miner.Reporter. Metrics are updated inline and sink
// writes are queued for Run. A full queue drops the write.
type Reporter struct {
	metrics   *metrics.Metrics
	publisher Publisher
	store     Store
	opts      Options
	logger    *log.Logger
	limiter   *rate.Limiter

	queue     chan sinkTask
	closeOnce sync.Once
}

// New creates a Reporter. publisher and store may be nil.
func New(m *metrics.Metrics, publisher Publisher, store Store, logger *log.Logger, opts Options) *Reporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.ShareTopic == "" {
		opts.ShareTopic = messaging.TopicShares
	}
	if opts.StatsTopic == "" {
		opts.StatsTopic = messaging.TopicStats
	}

	return &Reporter{
		metrics:   m,
		publisher: publisher,
		store:     store,
		opts:      opts,
		logger:    logger.WithComponent("telemetry"),
		limiter:   rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		queue:     make(chan sinkTask, opts.QueueSize),
	}
}

// BreakerObserver exports sink circuit breaker transitions as a gauge
func BreakerObserver(m *metrics.Metrics) func(name string, from, to circuit.State) {
	return func(name string, _, to circuit.State) {
		m.SinkBreakerState(name, int(to))
	}
}

// SinkErrorHandler returns a callback that logs and counts asynchronous
// sink failures
func SinkErrorHandler(m *metrics.Metrics, logger *log.Logger, sink string) func(error) {
	return func(err error) {
		m.SinkError(sink)
		logger.WithError(err).Warn("sink write failed", "sink", sink)
	}
}

// ReportShare implements miner.Reporter
func (r *Reporter) ReportShare(share miner.Share, job *miner.Job) {
	r.metrics.ShareFound()

	if r.publisher != nil {
		r.enqueue("kafka", func(ctx context.Context) error {
			payload, err := messaging.ShareEvent(r.opts.Wallet, share, job)
			if err != nil {
				return err
			}
			return r.publisher.PublishProto(ctx, r.opts.ShareTopic, share.JobID, payload)
		})
	}
	if r.store != nil {
		r.enqueue("database", func(ctx context.Context) error {
			return r.store.RecordShare(ctx, share, job)
		})
	}
}

// ReportShareResult implements miner.Reporter
func (r *Reporter) ReportShareResult(accepted bool, err error) {
	r.metrics.ShareResult(accepted)
	if !accepted {
		r.logger.WithError(err).Debug("share rejected")
	}

	if r.store != nil {
		r.enqueue("database", func(context.Context) error {
			r.store.RecordShareResult(accepted)
			return nil
		})
	}
}

// ReportStats implements miner.Reporter. Sinks see at most one snapshot
// per MinInterval; metrics see every one.
func (r *Reporter) ReportStats(s miner.Snapshot) {
	r.metrics.ObserveSnapshot(s)

	if r.publisher == nil && r.store == nil {
		return
	}
	if !r.limiter.Allow() {
		return
	}

	if r.publisher != nil {
		r.enqueue("kafka", func(ctx context.Context) error {
			payload, err := messaging.StatsEvent(r.opts.Wallet, s)
			if err != nil {
				return err
			}
			return r.publisher.PublishProto(ctx, r.opts.StatsTopic, r.opts.Wallet, payload)
		})
	}
	if r.store != nil {
		r.enqueue("database", func(ctx context.Context) error {
			return r.store.RecordSnapshot(ctx, s)
		})
	}
}

// ReportJob implements miner.Reporter
func (r *Reporter) ReportJob(job *miner.Job) {
	r.metrics.JobReceived(job.Difficulty)

	if r.store != nil {
		r.enqueue("database", func(ctx context.Context) error {
			return r.store.RecordJob(ctx, job)
		})
	}
}

func (r *Reporter) enqueue(sink string, run func(ctx context.Context) error) {
	select {
	case r.queue <- sinkTask{sink: sink, run: run}:
	default:
		r.metrics.SinkError(sink)
		r.logger.Warn("sink queue full, dropping write", "sink", sink)
	}
}

// Run executes queued sink writes until ctx is done, then drains what is
// left with a bounded deadline.
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case task := <-r.queue:
			r.execute(ctx, task)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Reporter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case task := <-r.queue:
			r.execute(ctx, task)
		default:
			return
		}
	}
}

func (r *Reporter) execute(ctx context.Context, task sinkTask) {
	if err := task.run(ctx); err != nil {
		r.metrics.SinkError(task.sink)
		r.logger.WithError(err).Warn("sink write failed", "sink", task.sink)
	}
}

// Close closes the publisher and the store. Call it after Run returns.
func (r *Reporter) Close() error {
	var firstErr error
	r.closeOnce.Do(func() {
		if r.publisher != nil {
			if err := r.publisher.Close(); err != nil {
				firstErr = err
			}
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
