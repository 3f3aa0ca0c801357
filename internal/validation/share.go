// Package validation checks locally found shares before they are submitted
// to the pool.
package validation

import (
	"sync"
	"time"

	"github.com/bardlex/cnminer/internal/cryptonight"
	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// ShareValidator rejects shares the pool would refuse
type ShareValidator struct {
	maxJobAge time.Duration
	now       func() time.Time

	// engine, when set, re-hashes every share to confirm its digest
	mu     sync.Mutex
	engine miner.Engine
}

// NewShareValidator creates a validator. maxJobAge of zero disables the
// age check. engine may be nil to skip proof-of-work verification.
func NewShareValidator(maxJobAge time.Duration, engine miner.Engine) *ShareValidator {
	return &ShareValidator{
		maxJobAge: maxJobAge,
		now:       time.Now,
		engine:    engine,
	}
}

// Validate runs every check against job
func (v *ShareValidator) Validate(share miner.Share, job *miner.Job) error {
	if err := v.validateJob(share, job); err != nil {
		return err
	}
	if err := v.validateNonce(share); err != nil {
		return err
	}
	if err := v.validateAge(share, job); err != nil {
		return err
	}
	if err := v.validateTarget(share, job); err != nil {
		return err
	}
	return v.validateProofOfWork(share, job)
}

func invalid(share miner.Share, message string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, "validate_share", message).
		WithContext("job_id", share.JobID).
		WithContext("nonce", share.NonceHex()).
		WithContext("worker_id", share.WorkerID)
}

// validateJob checks that the share references the given job
func (v *ShareValidator) validateJob(share miner.Share, job *miner.Job) error {
	if job == nil {
		return invalid(share, "no current job")
	}
	if share.JobID != job.ID {
		return invalid(share, "job ID mismatch")
	}
	return nil
}

// validateNonce checks that the nonce lies in the finder's partition
func (v *ShareValidator) validateNonce(share miner.Share) error {
	if share.WorkerID < 0 || share.WorkerID >= miner.MaxWorkers {
		return invalid(share, "worker id out of range")
	}
	if share.Nonce/miner.PartitionSize != uint32(share.WorkerID) {
		return invalid(share, "nonce outside worker partition")
	}
	return nil
}

// validateAge drops shares for jobs held longer than maxJobAge
func (v *ShareValidator) validateAge(share miner.Share, job *miner.Job) error {
	if v.maxJobAge <= 0 || job.Received.IsZero() {
		return nil
	}
	if v.now().Sub(job.Received) > v.maxJobAge {
		return invalid(share, "job has expired")
	}
	return nil
}

// validateTarget checks the reported digest against the job target
func (v *ShareValidator) validateTarget(share miner.Share, job *miner.Job) error {
	if !cryptonight.MeetsTarget(share.Digest, job.Target) {
		return invalid(share, "digest does not meet target")
	}
	return nil
}

// validateProofOfWork recomputes the digest and compares it
func (v *ShareValidator) validateProofOfWork(share miner.Share, job *miner.Job) error {
	v.mu.Lock()
	if v.engine == nil {
		v.mu.Unlock()
		return nil
	}
	digest, _ := v.engine.TryHash(job.Blob, share.Nonce, job.Target)
	v.mu.Unlock()

	if digest != share.Digest {
		return invalid(share, "digest does not match recomputed hash")
	}
	return nil
}

// Close releases the verification engine
func (v *ShareValidator) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.engine == nil {
		return nil
	}
	err := v.engine.Close()
	v.engine = nil
	return err
}
