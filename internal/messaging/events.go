package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// ShareEvent builds the payload published for a locally found share
func ShareEvent(wallet string, share miner.Share, job *miner.Job) (*structpb.Struct, error) {
	fields := map[string]any{
		"wallet":    wallet,
		"job_id":    share.JobID,
		"worker_id": share.WorkerID,
		"nonce":     share.NonceHex(),
		"result":    share.ResultHex(),
		"found_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if job != nil {
		fields["target"] = job.TargetHex
		fields["difficulty"] = job.Difficulty
	}
	return newStruct("share_event", fields)
}

// StatsEvent builds the payload published for a stats snapshot
func StatsEvent(wallet string, s miner.Snapshot) (*structpb.Struct, error) {
	workers := make([]any, 0, len(s.Workers))
	for _, w := range s.Workers {
		workers = append(workers, map[string]any{
			"worker_id":       w.WorkerID,
			"hashrate":        w.Hashrate,
			"total_hashes":    w.TotalHashes,
			"accepted_shares": w.AcceptedShares,
		})
	}

	return newStruct("stats_event", map[string]any{
		"wallet":          wallet,
		"hashrate":        s.Hashrate,
		"total_hashes":    s.TotalHashes,
		"accepted_shares": s.AcceptedShares,
		"job_id":          s.JobID,
		"session_state":   s.SessionState,
		"workers":         workers,
		"timestamp":       s.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func newStruct(operation string, fields map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, operation,
			"failed to build event payload")
	}
	return st, nil
}
