package miner

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/log"
)

// Worker searches its own nonce partition for the current job. It owns one
// Engine and talks to the orchestrator only through its events channel.
type Worker struct {
	id        int
	batchSize int
	factory   EngineFactory
	engine    Engine
	events    chan<- Event
	logger    *log.Logger

	mu     sync.Mutex
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}

	totalHashes  atomic.Uint64
	shares       atomic.Uint64
	hashrateBits atomic.Uint64
}

// NewWorker creates an idle worker. Init must be called before SubmitJob.
func NewWorker(id, batchSize int, factory EngineFactory, events chan<- Event, logger *log.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if factory == nil {
		factory = CryptoNightEngine
	}
	return &Worker{
		id:        id,
		batchSize: batchSize,
		factory:   factory,
		events:    events,
		logger:    logger.WithWorker(id),
	}
}

// ID returns the worker id, which also selects its nonce partition
func (w *Worker) ID() int {
	return w.id
}

// Init allocates the hash engine. A failure is an engine init error and
// disables only this worker.
func (w *Worker) Init() error {
	if w.id < 0 || w.id >= MaxWorkers {
		return errors.New(errors.ErrorTypeValidation, "worker_init", "worker id out of range").
			WithContext("worker_id", w.id)
	}

	engine, err := w.factory()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeEngineInit, "worker_init", "failed to create hash engine").
			WithContext("worker_id", w.id)
	}

	w.mu.Lock()
	w.engine = engine
	w.mu.Unlock()

	w.logger.Debug("worker initialized", "nonce_base", uint32(w.id)*PartitionSize)
	return nil
}

// SubmitJob replaces the current job. A running search is canceled and
// waited for before the new one starts from the bottom of the partition, so
// no share for the old job is emitted after SubmitJob returns.
func (w *Worker) SubmitJob(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.engine == nil {
		return
	}
	w.stopSearchLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.job = job
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		if w.search(ctx, job) == searchExhausted {
			w.setHashrate(0)
			w.logger.Warn("nonce partition exhausted, idling until next job", "job_id", job.ID)
		}
	}()
}

// Stop cancels any running search, waits for it and releases the engine
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopSearchLocked()
	w.setHashrate(0)

	if w.engine != nil {
		if err := w.engine.Close(); err != nil {
			w.logger.WithError(err).Warn("failed to release hash engine")
		}
		w.engine = nil
	}
}

func (w *Worker) stopSearchLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
}

// Running reports whether a search goroutine is active
func (w *Worker) Running() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stats returns the worker's counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		WorkerID:       w.id,
		Hashrate:       math.Float64frombits(w.hashrateBits.Load()),
		TotalHashes:    w.totalHashes.Load(),
		AcceptedShares: w.shares.Load(),
	}
}

func (w *Worker) setHashrate(h float64) {
	w.hashrateBits.Store(math.Float64bits(h))
}
