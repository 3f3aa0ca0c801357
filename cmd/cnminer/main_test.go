package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/cnminer/internal/config"
	"github.com/bardlex/cnminer/internal/metrics"
	"github.com/bardlex/cnminer/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:       "cnminer-test",
		Version:           "test",
		PoolURL:           "ws://127.0.0.1:5000/ws",
		Wallet:            "wallet-1",
		PoolPassword:      "x",
		Agent:             "cnminer/test",
		Threads:           1,
		BatchSize:         1,
		EngineAvailable:   true,
		ReconnectDelay:    time.Second,
		DialTimeout:       time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      time.Second,
		KeepaliveInterval: time.Minute,
		SubmitCacheSize:   16,
		StatsInterval:     time.Second,
		APIListen:         "127.0.0.1:0",
		LogLevel:          "error",
		LogFormat:         "text",
	}
}

func testLogger() *log.Logger {
	return log.New("cnminer-test", "test", "error", "text")
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		check       func(*config.Config) bool
		wantVersion bool
	}{
		{
			name:  "no flags keeps env",
			args:  nil,
			check: func(c *config.Config) bool { return c.Wallet == "wallet-1" && c.Threads == 1 },
		},
		{
			name: "pool and wallet",
			args: []string{"-o", "stratum+tcp://pool.example:3333", "-u", "wallet-2", "-p", "rig1"},
			check: func(c *config.Config) bool {
				return c.PoolURL == "stratum+tcp://pool.example:3333" && c.Wallet == "wallet-2" && c.PoolPassword == "rig1"
			},
		},
		{
			name:  "threads and batch",
			args:  []string{"--threads=4", "--batch", "128"},
			check: func(c *config.Config) bool { return c.Threads == 4 && c.BatchSize == 128 },
		},
		{
			name:  "no engine",
			args:  []string{"--noengine"},
			check: func(c *config.Config) bool { return !c.EngineAvailable },
		},
		{
			name:        "version",
			args:        []string{"-V"},
			check:       func(*config.Config) bool { return true },
			wantVersion: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			showVersion, err := parseFlags(tt.args, cfg)
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			if showVersion != tt.wantVersion {
				t.Errorf("parseFlags() showVersion = %v, want %v", showVersion, tt.wantVersion)
			}
			if !tt.check(cfg) {
				t.Errorf("parseFlags() produced unexpected config %+v", cfg)
			}
		})
	}
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := parseFlags([]string{"--help"}, testConfig())
	if !isHelp(err) {
		t.Errorf("parseFlags(--help) error = %v, want help request", err)
	}

	_, err = parseFlags([]string{"--bogus"}, testConfig())
	if err == nil || isHelp(err) {
		t.Errorf("parseFlags(--bogus) error = %v, want unknown flag error", err)
	}
}

func TestRunEngineUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.EngineAvailable = false

	if code := run(cfg, testLogger()); code != 0 {
		t.Errorf("run() = %d, want 0", code)
	}
}

func TestStoreConfig(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()

	dbConfig := storeConfig(cfg, m, testLogger())
	if dbConfig.Redis != nil || dbConfig.Influx != nil {
		t.Errorf("storeConfig() enabled stores without addresses")
	}

	cfg.RedisAddr = "127.0.0.1:6379"
	cfg.InfluxURL = "http://127.0.0.1:8086"
	cfg.InfluxToken = "token"
	dbConfig = storeConfig(cfg, m, testLogger())
	if dbConfig.Redis == nil || dbConfig.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("storeConfig() Redis = %+v, want addr 127.0.0.1:6379", dbConfig.Redis)
	}
	if dbConfig.Influx == nil || dbConfig.Influx.Wallet != "wallet-1" {
		t.Errorf("storeConfig() Influx = %+v, want wallet-1 tag", dbConfig.Influx)
	}
}

// TestMineAgainstPool runs the wired miner against a websocket pool that
// hands out a job every hash satisfies.
func TestMineAgainstPool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end mining in short mode")
	}

	blob := make([]byte, 76)
	for i := range blob {
		blob[i] = byte(i)
	}

	upgrader := websocket.Upgrader{}
	frames := make(chan map[string]any, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case frames <- msg:
			default:
			}

			switch msg["type"] {
			case "get_job":
				job := `{"method":"job","params":{"job_id":"job-1","blob":"` + hex.EncodeToString(blob) + `","target":"ffffffff"}}`
				_ = conn.WriteMessage(websocket.TextMessage, []byte(job))
			case "submit":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"submit_ack","success":true}`))
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.PoolURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	a.start(ctx)

	var submit map[string]any
	deadline := time.After(30 * time.Second)
	for submit == nil {
		select {
		case msg := <-frames:
			if msg["type"] == "submit" {
				submit = msg
			}
		case <-deadline:
			t.Fatal("no share submitted within 30s")
		}
	}

	if submit["job_id"] != "job-1" {
		t.Errorf("submit job_id = %v, want job-1", submit["job_id"])
	}
	if nonce, _ := submit["nonce"].(string); len(nonce) != 8 {
		t.Errorf("submit nonce = %v, want 8 hex chars", submit["nonce"])
	}
	if result, _ := submit["result"].(string); len(result) != 64 {
		t.Errorf("submit result = %v, want 64 hex chars", submit["result"])
	}

	if job := a.orchestrator.CurrentJob(); job == nil || job.ID != "job-1" {
		t.Errorf("CurrentJob() = %v, want job-1", job)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
