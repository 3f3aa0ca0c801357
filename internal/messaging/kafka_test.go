package messaging

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/circuit"
	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/log"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return stderrors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestProducer(t *testing.T, writers map[string]*fakeWriter, onState func(string, circuit.State, circuit.State)) *Producer {
	t.Helper()
	p := NewProducer([]string{"localhost:9092"}, log.New("cnminer-test", "test", "error", "text"), onState)
	p.retryConfig.BaseDelay = time.Millisecond
	p.retryConfig.MaxDelay = time.Millisecond
	p.newWriter = func(topic string) messageWriter {
		w, ok := writers[topic]
		if !ok {
			w = &fakeWriter{}
			writers[topic] = w
		}
		return w
	}
	return p
}

func testShare() (miner.Share, *miner.Job) {
	var digest [32]byte
	binary.LittleEndian.PutUint64(digest[24:], 42)
	share := miner.Share{JobID: "job-1", WorkerID: 3, Nonce: 0x30000001, Digest: digest}
	job := &miner.Job{ID: "job-1", TargetHex: "b88d0600", Difficulty: 10000}
	return share, job
}

func TestPublishProto(t *testing.T) {
	writers := map[string]*fakeWriter{}
	p := newTestProducer(t, writers, nil)

	share, job := testShare()
	payload, err := ShareEvent("wallet-1", share, job)
	if err != nil {
		t.Fatalf("ShareEvent() error = %v", err)
	}

	if err := p.PublishProto(context.Background(), TopicShares, share.JobID, payload); err != nil {
		t.Fatalf("PublishProto() error = %v", err)
	}
	if err := p.PublishProto(context.Background(), TopicShares, share.JobID, payload); err != nil {
		t.Fatalf("PublishProto() error = %v", err)
	}

	w := writers[TopicShares]
	if len(writers) != 1 {
		t.Errorf("writers created = %d, want 1", len(writers))
	}
	if len(w.messages) != 2 {
		t.Fatalf("messages written = %d, want 2", len(w.messages))
	}
	if string(w.messages[0].Key) != "job-1" {
		t.Errorf("message key = %q, want job-1", w.messages[0].Key)
	}

	var decoded structpb.Struct
	if err := proto.Unmarshal(w.messages[0].Value, &decoded); err != nil {
		t.Fatalf("proto.Unmarshal() error = %v", err)
	}
	fields := decoded.GetFields()
	if got := fields["nonce"].GetStringValue(); got != "01000030" {
		t.Errorf("nonce = %q, want 01000030", got)
	}
	if got := fields["worker_id"].GetNumberValue(); got != 3 {
		t.Errorf("worker_id = %v, want 3", got)
	}
	if got := fields["difficulty"].GetNumberValue(); got != 10000 {
		t.Errorf("difficulty = %v, want 10000", got)
	}
}

func TestPublishProtoRetries(t *testing.T) {
	writers := map[string]*fakeWriter{TopicStats: {failures: 2}}
	p := newTestProducer(t, writers, nil)

	payload, err := StatsEvent("wallet-1", miner.Snapshot{Hashrate: 12.5, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("StatsEvent() error = %v", err)
	}

	if err := p.PublishProto(context.Background(), TopicStats, "wallet-1", payload); err != nil {
		t.Fatalf("PublishProto() error = %v, want success after retries", err)
	}
	if got := len(writers[TopicStats].messages); got != 1 {
		t.Errorf("messages written = %d, want 1", got)
	}
}

func TestPublishProtoOpensBreaker(t *testing.T) {
	var mu sync.Mutex
	var transitions []circuit.State
	onState := func(_ string, _, to circuit.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	writers := map[string]*fakeWriter{TopicStats: {failures: 1 << 20}}
	p := newTestProducer(t, writers, onState)

	payload, _ := StatsEvent("wallet-1", miner.Snapshot{Timestamp: time.Now()})
	for i := 0; i < 5; i++ {
		err := p.PublishProto(context.Background(), TopicStats, "wallet-1", payload)
		if err == nil {
			t.Fatalf("PublishProto() attempt %d error = nil, want failure", i)
		}
	}

	if p.BreakerState() != circuit.StateOpen {
		t.Fatalf("BreakerState() = %v, want open", p.BreakerState())
	}

	err := p.PublishProto(context.Background(), TopicStats, "wallet-1", payload)
	if got := errors.GetContext(err)["breaker"]; got != "kafka" {
		t.Errorf("PublishProto() with open breaker error = %v, want kafka breaker rejection", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != circuit.StateOpen {
		t.Errorf("transitions = %v, want [open]", transitions)
	}
}

func TestProducerClose(t *testing.T) {
	writers := map[string]*fakeWriter{}
	p := newTestProducer(t, writers, nil)

	payload, _ := StatsEvent("wallet-1", miner.Snapshot{Timestamp: time.Now()})
	if err := p.PublishProto(context.Background(), TopicStats, "k", payload); err != nil {
		t.Fatalf("PublishProto() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !writers[TopicStats].closed {
		t.Error("Close() did not close the writer")
	}
	if err := p.PublishProto(context.Background(), TopicStats, "k", payload); err == nil {
		t.Error("PublishProto() after Close() error = nil, want error")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestStatsEvent(t *testing.T) {
	s := miner.Snapshot{
		Hashrate:       30,
		TotalHashes:    900,
		AcceptedShares: 2,
		JobID:          "job-9",
		SessionState:   "open",
		Workers: []miner.WorkerStats{
			{WorkerID: 0, Hashrate: 10, TotalHashes: 300},
			{WorkerID: 1, Hashrate: 20, TotalHashes: 600, AcceptedShares: 2},
		},
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	st, err := StatsEvent("wallet-1", s)
	if err != nil {
		t.Fatalf("StatsEvent() error = %v", err)
	}

	fields := st.GetFields()
	if got := fields["total_hashes"].GetNumberValue(); got != 900 {
		t.Errorf("total_hashes = %v, want 900", got)
	}
	if got := len(fields["workers"].GetListValue().GetValues()); got != 2 {
		t.Errorf("workers = %d, want 2", got)
	}
	if got := fields["timestamp"].GetStringValue(); got != "2024-01-02T03:04:05Z" {
		t.Errorf("timestamp = %q, want 2024-01-02T03:04:05Z", got)
	}
}
