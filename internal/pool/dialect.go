package pool

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// Dialect encodes outbound messages for one pool wire format and tracks any
// per-connection protocol state it needs.
type Dialect interface {
	Name() string
	// Reset clears per-connection state before a new handshake
	Reset()
	Handshake(wallet string) ([][]byte, error)
	EncodeSubmit(share miner.Share) ([]byte, error)
	// Keepalive returns a keepalive frame, or false if the dialect has none
	Keepalive() ([]byte, bool)
	// Observe lets the dialect update its state from an inbound message and
	// attribute responses to earlier requests.
	Observe(msg *Message)
}

func marshal(op string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to marshal message")
	}
	return data, nil
}

// websocketDialect is the flat type-tagged JSON format
type websocketDialect struct{}

// NewWebsocketDialect returns the websocket JSON dialect
func NewWebsocketDialect() Dialect {
	return websocketDialect{}
}

func (websocketDialect) Name() string { return "websocket" }

func (websocketDialect) Reset() {}

func (websocketDialect) Handshake(wallet string) ([][]byte, error) {
	setWallet, err := marshal("handshake", map[string]string{"type": TypeSetWallet, "wallet": wallet})
	if err != nil {
		return nil, err
	}
	getJob, err := marshal("handshake", map[string]string{"type": TypeGetJob})
	if err != nil {
		return nil, err
	}
	return [][]byte{setWallet, getJob}, nil
}

func (websocketDialect) EncodeSubmit(share miner.Share) ([]byte, error) {
	return marshal("submit", map[string]string{
		"type":   TypeSubmit,
		"nonce":  share.NonceHex(),
		"result": share.ResultHex(),
		"job_id": share.JobID,
	})
}

func (websocketDialect) Keepalive() ([]byte, bool) { return nil, false }

func (websocketDialect) Observe(*Message) {}

// stratumDialect is the xmrig-style JSON-RPC format: login, submit and
// keepalived requests with numeric ids, results matched back by id.
type stratumDialect struct {
	password string
	agent    string

	mu        sync.Mutex
	nextID    int
	sessionID string
	loginID   string
	pending   map[string]struct{}
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// NewStratumDialect returns the stratum dialect
func NewStratumDialect(password, agent string) Dialect {
	return &stratumDialect{
		password: password,
		agent:    agent,
		pending:  make(map[string]struct{}),
	}
}

func (d *stratumDialect) Name() string { return "stratum" }

func (d *stratumDialect) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionID = ""
	d.loginID = ""
	clear(d.pending)
}

func (d *stratumDialect) id() int {
	d.nextID++
	return d.nextID
}

func (d *stratumDialect) Handshake(wallet string) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.id()
	d.loginID = strconv.Itoa(id)
	login, err := marshal("handshake", rpcRequest{
		ID:     id,
		Method: MethodLogin,
		Params: map[string]any{
			"login": wallet,
			"pass":  d.password,
			"agent": d.agent,
			"algo":  []string{"cn/0"},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{login}, nil
}

func (d *stratumDialect) EncodeSubmit(share miner.Share) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionID == "" {
		return nil, errors.New(errors.ErrorTypeConnection, "submit", "not logged in")
	}

	id := d.id()
	d.pending[strconv.Itoa(id)] = struct{}{}
	return marshal("submit", rpcRequest{
		ID:     id,
		Method: MethodSubmit,
		Params: map[string]string{
			"id":     d.sessionID,
			"job_id": share.JobID,
			"nonce":  share.NonceHex(),
			"result": share.ResultHex(),
		},
	})
}

func (d *stratumDialect) Keepalive() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionID == "" {
		return nil, false
	}
	data, err := marshal("keepalive", rpcRequest{
		ID:     d.id(),
		Method: MethodKeepalive,
		Params: map[string]string{"id": d.sessionID},
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

func (d *stratumDialect) Observe(msg *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.ID != "" && msg.ID == d.loginID && msg.SessionID != "" {
		d.sessionID = msg.SessionID
		d.loginID = ""
	}

	if msg.ID == "" {
		return
	}
	if _, ok := d.pending[msg.ID]; ok {
		delete(d.pending, msg.ID)
		msg.IsSubmitAck = true
		msg.Accepted = msg.Error == "" && msg.resultStatus == statusOK
	}
}
