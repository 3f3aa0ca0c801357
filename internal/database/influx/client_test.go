package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

type fakeInflux struct {
	status string

	mu    sync.Mutex
	lines []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if f.status != "pass" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_, _ = io.WriteString(w, `{"name":"influxdb","message":"`+f.status+`","status":"`+f.status+`","checks":[],"version":"2.7.0"}`)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func newTestClient(t *testing.T, fake *fakeInflux) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), &Config{
		URL:    srv.URL,
		Token:  "token",
		Org:    "cnminer",
		Bucket: "mining",
		Wallet: "w1",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func waitForLines(t *testing.T, fake *fakeInflux, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := fake.written(); len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines := fake.written()
	t.Fatalf("written lines = %d, want %d: %v", len(lines), n, lines)
	return nil
}

func TestWritePoints(t *testing.T) {
	fake := &fakeInflux{status: "pass"}
	c := newTestClient(t, fake)

	job := &miner.Job{ID: "job-1", Blob: make([]byte, 76), Difficulty: 10000, Received: time.Now()}
	c.WriteJob(job)
	c.WriteShare(miner.Share{JobID: "job-1", WorkerID: 2, Nonce: 1}, job)
	c.WriteShareResult(true)
	c.WriteSnapshot(miner.Snapshot{
		Hashrate: 30,
		Workers:  []miner.WorkerStats{{WorkerID: 0, Hashrate: 10}, {WorkerID: 1, Hashrate: 20}},
	})
	c.Flush()

	lines := waitForLines(t, fake, 6)
	wantPrefixes := []string{
		"jobs,wallet=w1 ",
		"shares,job_id=job-1,wallet=w1,worker_id=2 ",
		"share_results,result=accepted,wallet=w1 ",
		"hashrate,wallet=w1 ",
		"worker_hashrate,wallet=w1,worker_id=0 ",
		"worker_hashrate,wallet=w1,worker_id=1 ",
	}
	for _, prefix := range wantPrefixes {
		found := false
		for _, line := range lines {
			if strings.HasPrefix(line, prefix) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no line with prefix %q in %v", prefix, lines)
		}
	}

	c.Close()
}

func TestNewClientUnhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{status: "fail"})
	defer srv.Close()

	_, err := NewClient(context.Background(), &Config{URL: srv.URL, Token: "token", Org: "o", Bucket: "b"}, nil)
	if err == nil {
		t.Fatal("NewClient() error = nil, want health failure")
	}
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("NewClient() error type = %v, want database", err)
	}
}
