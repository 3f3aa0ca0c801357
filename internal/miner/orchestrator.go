package miner

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/log"
)

// Options configures an Orchestrator
type Options struct {
	Threads       int
	Wallet        string
	BatchSize     int
	StatsInterval time.Duration
	EngineFactory EngineFactory
	// ShareCheck, if set, vets a share against its job before submission
	ShareCheck func(share Share, job *Job) error
}

// Orchestrator owns the workers, the current job and the pool session. All
// worker and session events are handled on a single control goroutine.
type Orchestrator struct {
	opts     Options
	session  PoolSession
	reporter Reporter
	logger   *log.Logger

	events chan Event

	mu      sync.RWMutex
	workers []*Worker
	job     *Job

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. reporter may be nil.
func New(session PoolSession, reporter Reporter, logger *log.Logger, opts Options) *Orchestrator {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	opts.Threads = min(opts.Threads, MaxWorkers)
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}
	if reporter == nil {
		reporter = nopReporter{}
	}

	return &Orchestrator{
		opts:     opts,
		session:  session,
		reporter: reporter,
		logger:   logger.WithComponent("orchestrator"),
		events:   make(chan Event, opts.Threads*4),
	}
}

// Start connects the session and runs the control loop until ctx is done or
// Stop is called. A failed first connect is logged; the session owns the
// reconnect.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.done != nil {
		return errors.New(errors.ErrorTypeInternal, "orchestrator_start", "already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.run(ctx)

	if err := o.session.Connect(ctx, o.opts.Wallet); err != nil {
		o.logger.WithError(err).Warn("initial pool connect failed")
	}
	return nil
}

// Stop closes the session, stops every worker and waits for the control loop
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	if err := o.session.Close(); err != nil {
		o.logger.WithError(err).Warn("failed to close pool session")
	}
	o.cancel()
	<-o.done

	o.mu.Lock()
	workers := o.workers
	o.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	o.logger.Info("orchestrator stopped", "workers", len(workers))
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.opts.StatsInterval)
	defer ticker.Stop()

	sessionEvents := o.session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			o.handleSessionEvent(ev)
		case ev := <-o.events:
			o.handleWorkerEvent(ev)
		case <-ticker.C:
			snap := o.Snapshot()
			o.logger.LogHashrate(snap.Hashrate, snap.TotalHashes, snap.AcceptedShares, len(snap.Workers))
			o.reporter.ReportStats(snap)
		}
	}
}

func (o *Orchestrator) handleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case SessionOpened:
		o.logger.Info("pool session open")
		o.ensureWorkers()
	case SessionClosed:
		o.logger.WithError(ev.Err).Warn("pool session closed, workers keep their current job")
	case SessionJob:
		o.setJob(ev.Job)
	case SessionShareResult:
		o.reporter.ReportShareResult(ev.Accepted, ev.Err)
	}
}

func (o *Orchestrator) handleWorkerEvent(ev Event) {
	switch ev.Kind {
	case EventShareFound:
		job := o.CurrentJob()
		if job == nil || job.ID != ev.Share.JobID {
			o.logger.Debug("dropping share for stale job", "job_id", ev.Share.JobID)
			return
		}
		if o.opts.ShareCheck != nil {
			if err := o.opts.ShareCheck(ev.Share, job); err != nil {
				o.logger.WithError(err).Warn("dropping invalid share", "job_id", ev.Share.JobID)
				return
			}
		}
		o.logger.WithShare(ev.Share.JobID, ev.Share.NonceHex()).Info("share found", "worker_id", ev.WorkerID)
		if err := o.session.SubmitShare(ev.Share); err != nil {
			o.logger.WithError(err).Warn("share submit failed")
		}
		o.reporter.ReportShare(ev.Share, job)
	case EventStatsUpdated:
		// Counters live in the workers; Snapshot reads them directly.
	}
}

// ensureWorkers creates the workers on the first session open. Later opens
// reuse them along with whatever job they are running.
func (o *Orchestrator) ensureWorkers() {
	o.mu.Lock()
	if o.workers != nil {
		o.mu.Unlock()
		return
	}

	workers := make([]*Worker, 0, o.opts.Threads)
	for id := range o.opts.Threads {
		w := NewWorker(id, o.opts.BatchSize, o.opts.EngineFactory, o.events, o.logger)
		if err := w.Init(); err != nil {
			o.logger.WithError(err).Error("worker failed to start", "worker_id", id)
			continue
		}
		workers = append(workers, w)
	}
	o.workers = workers
	job := o.job
	o.mu.Unlock()

	if len(workers) == 0 {
		o.logger.Error("no workers available, mining disabled")
		return
	}
	o.logger.Info("workers started", "workers", len(workers), "requested", o.opts.Threads)

	if job != nil {
		o.dispatch(job, workers)
	}
}

func (o *Orchestrator) setJob(job *Job) {
	o.mu.Lock()
	o.job = job
	workers := o.workers
	o.mu.Unlock()

	o.reporter.ReportJob(job)
	if len(workers) == 0 {
		return
	}
	o.dispatch(job, workers)
}

// dispatch hands job to every worker in parallel. Each SubmitJob waits for
// that worker's previous search to stop.
func (o *Orchestrator) dispatch(job *Job, workers []*Worker) {
	start := time.Now()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.SubmitJob(job)
		}()
	}
	wg.Wait()

	o.logger.LogJobDistribution(job.ID, job.Difficulty, len(workers))
	o.logger.LogDuration("job_dispatch", time.Since(start))
}

// CurrentJob returns the job the workers are searching, or nil
func (o *Orchestrator) CurrentJob() *Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.job
}

// Snapshot aggregates the workers' counters
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	workers := o.workers
	job := o.job
	o.mu.RUnlock()

	snap := Snapshot{
		Workers:      make([]WorkerStats, 0, len(workers)),
		SessionState: o.session.State(),
		Timestamp:    time.Now(),
	}
	if job != nil {
		snap.JobID = job.ID
	}
	for _, w := range workers {
		s := w.Stats()
		snap.Hashrate += s.Hashrate
		snap.TotalHashes += s.TotalHashes
		snap.AcceptedShares += s.AcceptedShares
		snap.Workers = append(snap.Workers, s)
	}
	return snap
}
