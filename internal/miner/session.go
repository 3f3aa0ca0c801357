package miner

import "context"

// SessionEventKind distinguishes pool session events
type SessionEventKind int

const (
	// SessionOpened is sent after the handshake has been written
	SessionOpened SessionEventKind = iota
	// SessionClosed is sent when the connection drops or is closed
	SessionClosed
	// SessionJob carries a new Job
	SessionJob
	// SessionShareResult carries the pool's verdict on a submitted share
	SessionShareResult
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionOpened:
		return "opened"
	case SessionClosed:
		return "closed"
	case SessionJob:
		return "job"
	case SessionShareResult:
		return "share_result"
	default:
		return "unknown"
	}
}

// SessionEvent is sent from the pool session to the orchestrator
type SessionEvent struct {
	Kind     SessionEventKind
	Job      *Job
	Accepted bool
	Err      error
}

// PoolSession is the orchestrator's view of the pool connection
type PoolSession interface {
	Connect(ctx context.Context, wallet string) error
	SubmitShare(share Share) error
	Events() <-chan SessionEvent
	State() string
	Close() error
}

// Reporter receives mining telemetry. Implementations must not block the
// caller for long.
type Reporter interface {
	ReportShare(share Share, job *Job)
	ReportShareResult(accepted bool, err error)
	ReportStats(snapshot Snapshot)
	ReportJob(job *Job)
}

type nopReporter struct{}

func (nopReporter) ReportShare(Share, *Job) {}
func (nopReporter) ReportShareResult(bool, error) {}
func (nopReporter) ReportStats(Snapshot) {}
func (nopReporter) ReportJob(*Job) {}
