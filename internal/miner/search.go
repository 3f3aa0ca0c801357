package miner

import (
	"context"
	"time"
)

// partition is one worker's slice of the nonce space
type partition struct {
	base    uint32
	counter uint32
}

func newPartition(workerID int) partition {
	return partition{base: uint32(workerID) * PartitionSize}
}

func (p *partition) exhausted() bool {
	return p.counter >= PartitionSize
}

// next returns the next nonce and advances the counter
func (p *partition) next() uint32 {
	n := p.base + p.counter
	p.counter++
	return n
}

// searchResult reports how a search ended
type searchResult int

const (
	searchCanceled searchResult = iota
	searchExhausted
)

// search hashes job over the partition in batches until ctx is canceled or
// the partition runs out. Shares are emitted as soon as they are found.
// Cancellation is observed at batch boundaries; once it is, the batch's
// trailing stats event is not sent.
func (w *Worker) search(ctx context.Context, job *Job) searchResult {
	part := newPartition(w.id)

	for !part.exhausted() {
		start := time.Now()
		n := min(uint32(w.batchSize), PartitionSize-part.counter)

		for range n {
			nonce := part.next()
			digest, ok := w.engine.TryHash(job.Blob, nonce, job.Target)
			if !ok {
				continue
			}

			w.shares.Add(1)
			share := Share{JobID: job.ID, WorkerID: w.id, Nonce: nonce, Digest: digest}
			if !w.emit(ctx, Event{Kind: EventShareFound, WorkerID: w.id, Share: share}) {
				return searchCanceled
			}
		}

		total := w.totalHashes.Add(uint64(n))
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			w.setHashrate(float64(n) / elapsed)
		}

		if ctx.Err() != nil {
			return searchCanceled
		}

		stats := w.Stats()
		stats.TotalHashes = total
		if !w.emit(ctx, Event{Kind: EventStatsUpdated, WorkerID: w.id, Stats: stats}) {
			return searchCanceled
		}
	}

	return searchExhausted
}

// emit delivers ev unless ctx is done first
func (w *Worker) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
