// Package pool implements the miner's pool session: the connection state
// machine, the two wire dialects (websocket JSON and xmrig-style stratum over
// TCP), inbound message classification and the reconnect policy.
package pool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
)

// Message type tags used by the websocket dialect
const (
	TypeSetWallet    = "set_wallet"
	TypeGetJob       = "get_job"
	TypeSubmit       = "submit"
	TypeSubmitAck    = "submit_ack"
	TypeWalletAck    = "wallet_ack"
	TypeWalletSwitch = "wallet_switch"

	MethodJob       = "job"
	MethodLogin     = "login"
	MethodSubmit    = "submit"
	MethodKeepalive = "keepalived"

	statusOK = "OK"
)

// rawMessage is the union of every inbound shape. Pools mix a JSON-RPC
// method/params form with flat type-tagged objects, so every field is
// optional.
type rawMessage struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Type       string          `json:"type,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
	WalletType string          `json:"wallet_type,omitempty"`
}

type jobParams struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

type loginResult struct {
	ID     string     `json:"id"`
	Job    *jobParams `json:"job"`
	Status string     `json:"status"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WalletSwitch is the pool's fee-mode notice
type WalletSwitch struct {
	WalletType string
	Message    string
}

// Message is a classified inbound message. Classification is not exclusive:
// a single message may carry a job and an ack at the same time.
type Message struct {
	// ID is the raw JSON-RPC id, if any
	ID string

	Job *miner.Job
	// JobErr is set when the message carried a job that failed to decode
	JobErr error
	// SessionID is the stratum login id
	SessionID string

	IsSubmitAck bool
	Accepted    bool

	IsWalletAck   bool
	WalletMessage string

	WalletSwitch *WalletSwitch

	Error string

	resultStatus string
}

// Classify decodes one inbound frame. Only unparseable JSON is an error; a
// job that fails validation is reported in JobErr so the rest of the message
// is still handled.
func Classify(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocolParse, "classify",
			"pool message is not valid JSON").
			WithContext("length", len(data))
	}

	msg := &Message{}
	if len(raw.ID) > 0 && string(raw.ID) != "null" {
		msg.ID = string(bytes.Trim(raw.ID, `"`))
	}

	if raw.Method == MethodJob {
		var p jobParams
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			msg.JobErr = errors.Wrap(err, errors.ErrorTypeProtocolParse, "classify",
				"job params are malformed")
		} else {
			msg.Job, msg.JobErr = miner.NewJob(p.JobID, p.Blob, p.Target)
		}
	}

	if len(raw.Result) > 0 && raw.Result[0] == '{' {
		var res loginResult
		if err := json.Unmarshal(raw.Result, &res); err == nil {
			msg.SessionID = res.ID
			msg.resultStatus = res.Status
			if res.Job != nil && msg.Job == nil {
				msg.Job, msg.JobErr = miner.NewJob(res.Job.JobID, res.Job.Blob, res.Job.Target)
			}
		}
	}

	switch raw.Type {
	case TypeSubmitAck:
		msg.IsSubmitAck = true
		msg.Accepted = raw.Success != nil && *raw.Success
	case TypeWalletAck:
		msg.IsWalletAck = true
		msg.WalletMessage = raw.Message
	case TypeWalletSwitch:
		msg.WalletSwitch = &WalletSwitch{WalletType: raw.WalletType, Message: raw.Message}
	}

	msg.Error = decodeError(raw.Error)
	return msg, nil
}

// decodeError accepts a plain string or a {code, message} object
func decodeError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var e rpcError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}

	return string(raw)
}
