// Package miner runs the nonce search: per-worker search loops over disjoint
// nonce partitions, and the orchestrator that feeds them pool jobs and
// forwards their shares.
package miner

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/bardlex/cnminer/internal/cryptonight"
	"github.com/bardlex/cnminer/pkg/errors"
)

const (
	// PartitionSize is the number of nonces owned by each worker.
	PartitionSize = 0x10000000
	// MaxWorkers is the number of partitions that fit in the 32-bit nonce.
	MaxWorkers = 16
	// DefaultBatchSize is the number of nonces hashed between cancellation
	// checks and stats updates.
	DefaultBatchSize = 64
)

// Job is a unit of work from the pool. It is immutable once built and is
// shared between workers by pointer.
type Job struct {
	ID         string
	Blob       []byte
	Target     uint64
	TargetHex  string
	Difficulty float64
	Received   time.Time
}

// NewJob decodes the wire form of a job. Failures are protocol parse errors.
func NewJob(id, blobHex, targetHex string) (*Job, error) {
	if id == "" {
		return nil, errors.New(errors.ErrorTypeProtocolParse, "new_job", "job has no id")
	}

	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocolParse, "new_job",
			"blob is not valid hex").
			WithContext("job_id", id)
	}
	if len(blob) < cryptonight.NonceOffset+4 || len(blob) > cryptonight.MaxBlobSize {
		return nil, errors.New(errors.ErrorTypeProtocolParse, "new_job",
			"blob length out of range").
			WithContext("job_id", id).
			WithContext("length", len(blob))
	}

	target, err := cryptonight.ParseTarget(targetHex)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:         id,
		Blob:       blob,
		Target:     target,
		TargetHex:  targetHex,
		Difficulty: cryptonight.TargetDifficulty(target),
		Received:   time.Now(),
	}, nil
}

// Share is a nonce whose digest met the job target
type Share struct {
	JobID    string
	WorkerID int
	Nonce    uint32
	Digest   [cryptonight.Size]byte
}

// NonceHex encodes the nonce as the four little-endian bytes embedded in the
// blob.
func (s Share) NonceHex() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], s.Nonce)
	return hex.EncodeToString(b[:])
}

// ResultHex encodes the digest.
func (s Share) ResultHex() string {
	return hex.EncodeToString(s.Digest[:])
}

// WorkerStats is a point-in-time view of one worker
type WorkerStats struct {
	WorkerID       int     `json:"worker_id"`
	Hashrate       float64 `json:"hashrate"`
	TotalHashes    uint64  `json:"total_hashes"`
	AcceptedShares uint64  `json:"accepted_shares"`
}

// EventKind distinguishes worker events
type EventKind int

const (
	// EventShareFound carries a Share
	EventShareFound EventKind = iota
	// EventStatsUpdated carries WorkerStats after a batch
	EventStatsUpdated
)

// Event is sent from a worker to the orchestrator
type Event struct {
	Kind     EventKind
	WorkerID int
	Share    Share
	Stats    WorkerStats
}

// Snapshot aggregates all workers
type Snapshot struct {
	Hashrate       float64       `json:"hashrate"`
	TotalHashes    uint64        `json:"total_hashes"`
	AcceptedShares uint64        `json:"accepted_shares"`
	Workers        []WorkerStats `json:"workers"`
	JobID          string        `json:"job_id,omitempty"`
	SessionState   string        `json:"session_state"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Engine hashes one candidate nonce. *cryptonight.Hasher implements it.
type Engine interface {
	TryHash(blob []byte, nonce uint32, target uint64) ([cryptonight.Size]byte, bool)
	Close() error
}

// EngineFactory builds one Engine per worker
type EngineFactory func() (Engine, error)

// CryptoNightEngine is the production EngineFactory
func CryptoNightEngine() (Engine, error) {
	h, err := cryptonight.NewHasher()
	if err != nil {
		return nil, err
	}
	return h, nil
}
