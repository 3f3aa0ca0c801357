package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bardlex/cnminer/internal/miner"
)

func TestSessionStateChanged(t *testing.T) {
	m := New()

	tests := []struct {
		state string
	}{
		{"connecting"},
		{"open"},
		{"disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			m.SessionStateChanged(tt.state)
			for _, s := range sessionStates {
				want := 0.0
				if s == tt.state {
					want = 1
				}
				if got := testutil.ToFloat64(m.SessionState.WithLabelValues(s)); got != want {
					t.Errorf("session_state{state=%q} = %v, want %v", s, got, want)
				}
			}
		})
	}
}

func TestObserveSnapshot(t *testing.T) {
	m := New()
	m.ObserveSnapshot(miner.Snapshot{
		Hashrate:    42.5,
		TotalHashes: 1000,
		Workers: []miner.WorkerStats{
			{WorkerID: 0, Hashrate: 20},
			{WorkerID: 1, Hashrate: 22.5},
		},
	})

	if got := testutil.ToFloat64(m.Hashrate); got != 42.5 {
		t.Errorf("hashrate = %v, want 42.5", got)
	}
	if got := testutil.ToFloat64(m.HashesTotal); got != 1000 {
		t.Errorf("hashes = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.WorkerHashrate.WithLabelValues("1")); got != 22.5 {
		t.Errorf("worker_hashrate{worker=1} = %v, want 22.5", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ShareFound()
	m.ShareFound()
	m.ShareResult(true)
	m.ShareResult(false)
	m.ShareResult(false)
	m.DuplicateShare()
	m.Reconnect()
	m.JobReceived(10000)
	m.PoolMessage("job")
	m.SinkError("kafka")
	m.SinkBreakerState("kafka", 1)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"shares found", testutil.ToFloat64(m.SharesFound), 2},
		{"accepted", testutil.ToFloat64(m.ShareResults.WithLabelValues("accepted")), 1},
		{"rejected", testutil.ToFloat64(m.ShareResults.WithLabelValues("rejected")), 2},
		{"duplicates", testutil.ToFloat64(m.SharesDeduped), 1},
		{"reconnects", testutil.ToFloat64(m.Reconnects), 1},
		{"job difficulty", testutil.ToFloat64(m.JobDifficulty), 10000},
		{"pool messages", testutil.ToFloat64(m.PoolMessages.WithLabelValues("job")), 1},
		{"sink errors", testutil.ToFloat64(m.SinkErrors.WithLabelValues("kafka")), 1},
		{"sink breaker", testutil.ToFloat64(m.SinkBreaker.WithLabelValues("kafka")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ShareFound()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"cnminer_shares_found_total 1", "cnminer_session_state", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}
