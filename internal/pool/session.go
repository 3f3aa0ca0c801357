package pool

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/log"
)

// State is the session connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Observer is notified of session activity. internal/metrics implements it.
type Observer interface {
	SessionStateChanged(state string)
	Reconnect()
	PoolMessage(kind string)
	ShareSubmitted()
	DuplicateShare()
}

type nopObserver struct{}

func (nopObserver) SessionStateChanged(string) {}
func (nopObserver) Reconnect() {}
func (nopObserver) PoolMessage(string) {}
func (nopObserver) ShareSubmitted() {}
func (nopObserver) DuplicateShare() {}

// Config configures a Session
type Config struct {
	URL               string
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	SubmitCacheSize   int
}

// afterFunc schedules f after d and returns a stop function
type afterFunc func(d time.Duration, f func()) func() bool

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Session is the miner's connection to a pool. It is safe for concurrent
// use. Events are delivered on the channel returned by Events.
type Session struct {
	cfg      Config
	dialer   Dialer
	dialect  Dialect
	observer Observer
	logger   *log.Logger
	after    afterFunc

	events    chan miner.SessionEvent
	closed    chan struct{}
	closeOnce sync.Once
	submitted *lru.Cache

	mu           sync.Mutex
	ctx          context.Context
	state        State
	wallet       string
	running      bool
	reconnecting bool
	stopTimer    func() bool
	transport    Transport
	generation   uint64
}

// NewSession creates a disconnected session. observer may be nil.
func NewSession(cfg Config, dialer Dialer, dialect Dialect, observer Observer, logger *log.Logger) (*Session, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.SubmitCacheSize <= 0 {
		cfg.SubmitCacheSize = 4096
	}
	if observer == nil {
		observer = nopObserver{}
	}

	cache, err := lru.New(cfg.SubmitCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_session", "failed to create submit cache")
	}

	return &Session{
		cfg:       cfg,
		dialer:    dialer,
		dialect:   dialect,
		observer:  observer,
		logger:    logger.WithComponent("pool").WithFields("dialect", dialect.Name()),
		after:     timeAfterFunc,
		events:    make(chan miner.SessionEvent, 32),
		closed:    make(chan struct{}),
		submitted: cache,
		ctx:       context.Background(),
	}, nil
}

// Events returns the session event stream
func (s *Session) Events() <-chan miner.SessionEvent {
	return s.events
}

// State returns the current connection state
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Connect dials the pool and performs the handshake for wallet. While the
// session is running, a failed dial schedules one reconnect attempt.
func (s *Session) Connect(ctx context.Context, wallet string) error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeConnection, "connect", "session closed")
	default:
	}
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.wallet = wallet
	s.running = true
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.logger.LogConnection("connecting", s.cfg.URL)

	t, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.scheduleReconnect(err)
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = t.Close()
		return errors.New(errors.ErrorTypeConnection, "connect", "session closed during dial")
	}
	s.generation++
	gen := s.generation
	s.transport = t
	s.dialect.Reset()
	s.mu.Unlock()

	// Submits are refused until the state is open, so the handshake
	// frames are always the first on the wire.
	frames, err := s.dialect.Handshake(wallet)
	if err != nil {
		s.connectionLost(gen, err)
		return err
	}
	for _, frame := range frames {
		if err := s.write(t, gen, frame); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeConnection, "connect", "session closed during handshake")
	}
	s.setStateLocked(StateOpen)
	s.mu.Unlock()

	s.logger.LogConnection("open", s.cfg.URL)
	s.emit(miner.SessionEvent{Kind: miner.SessionOpened})

	go s.readLoop(t, gen)
	go s.keepaliveLoop(t, gen)
	return nil
}

// SubmitShare sends share to the pool. A (job, nonce) pair already sent on
// this session is dropped.
func (s *Session) SubmitShare(share miner.Share) error {
	key := share.JobID + ":" + share.NonceHex()
	if ok, _ := s.submitted.ContainsOrAdd(key, struct{}{}); ok {
		s.observer.DuplicateShare()
		s.logger.Debug("duplicate share suppressed", "job_id", share.JobID, "nonce", share.NonceHex())
		return errors.New(errors.ErrorTypeValidation, "submit", "duplicate share").
			WithContext("job_id", share.JobID)
	}

	s.mu.Lock()
	t, gen, state := s.transport, s.generation, s.state
	s.mu.Unlock()

	if state != StateOpen || t == nil {
		s.submitted.Remove(key)
		return errors.New(errors.ErrorTypeConnection, "submit", "session not open").
			WithContext("state", state.String())
	}

	frame, err := s.dialect.EncodeSubmit(share)
	if err != nil {
		s.submitted.Remove(key)
		return err
	}
	if err := s.write(t, gen, frame); err != nil {
		s.submitted.Remove(key)
		return err
	}

	s.observer.ShareSubmitted()
	s.logger.LogShareSubmission(share.JobID, share.NonceHex(), "submitted")
	return nil
}

// Close stops the session. No reconnect is scheduled afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	s.running = false
	s.reconnecting = false
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	t := s.transport
	s.transport = nil
	s.generation++
	if t != nil {
		s.setStateLocked(StateClosing)
	}
	s.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	s.logger.LogConnection("closed", s.cfg.URL)
	return err
}

func (s *Session) readLoop(t Transport, gen uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			s.connectionLost(gen, errors.Wrap(err, errors.ErrorTypeConnection, "read", "pool read failed"))
			return
		}
		s.handle(data)
	}
}

func (s *Session) keepaliveLoop(t Transport, gen uint64) {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.generation == gen
			s.mu.Unlock()
			if !current {
				return
			}
			frame, ok := s.dialect.Keepalive()
			if !ok {
				continue
			}
			if err := s.write(t, gen, frame); err != nil {
				return
			}
		}
	}
}

// write sends one frame; a failure drops the connection
func (s *Session) write(t Transport, gen uint64, frame []byte) error {
	if err := t.WriteMessage(frame); err != nil {
		err = errors.Wrap(err, errors.ErrorTypeConnection, "write", "pool write failed")
		s.connectionLost(gen, err)
		return err
	}
	s.logger.LogPoolMessage("sent", frame)
	return nil
}

func (s *Session) handle(data []byte) {
	s.logger.LogPoolMessage("received", data)

	msg, err := Classify(data)
	if err != nil {
		s.observer.PoolMessage("malformed")
		s.logger.WithError(err).Warn("dropping malformed pool message")
		return
	}
	s.dialect.Observe(msg)

	if msg.JobErr != nil {
		s.observer.PoolMessage("bad_job")
		s.logger.WithError(msg.JobErr).Warn("dropping invalid job")
	}
	if msg.Job != nil {
		s.observer.PoolMessage("job")
		s.logger.WithJob(msg.Job.ID, msg.Job.Difficulty).Info("new job", "target", msg.Job.TargetHex)
		s.emit(miner.SessionEvent{Kind: miner.SessionJob, Job: msg.Job})
	}
	if msg.IsSubmitAck {
		s.observer.PoolMessage("submit_ack")
		var ackErr error
		status := "accepted"
		if !msg.Accepted {
			status = "rejected"
			ackErr = errors.New(errors.ErrorTypeSubmissionRejected, "submit_ack", "pool rejected share").
				WithContext("reason", msg.Error)
		}
		s.logger.Info("share result", "status", status, "reason", msg.Error)
		s.emit(miner.SessionEvent{Kind: miner.SessionShareResult, Accepted: msg.Accepted, Err: ackErr})
	}
	if msg.IsWalletAck {
		s.observer.PoolMessage("wallet_ack")
		s.logger.Info("wallet acknowledged", "message", msg.WalletMessage)
	}
	if msg.WalletSwitch != nil {
		s.observer.PoolMessage("wallet_switch")
		s.logger.Info("pool wallet switch", "wallet_type", msg.WalletSwitch.WalletType, "message", msg.WalletSwitch.Message)
	}
	if msg.Error != "" && !msg.IsSubmitAck {
		s.observer.PoolMessage("error")
		s.logger.Warn("pool error", "error", msg.Error)
	}
}

// connectionLost tears down the connection of generation gen. Errors from a
// stale generation are ignored, so a read error and a write error racing on
// the same connection produce one disconnect.
func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.generation || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	s.generation++
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	_ = t.Close()
	s.logger.WithError(cause).Warn("pool connection lost")
	s.emit(miner.SessionEvent{Kind: miner.SessionClosed, Err: cause})
	s.scheduleReconnect(cause)
}

// scheduleReconnect arranges exactly one reconnect attempt after the
// configured delay, unless one is already pending or the session is closed.
func (s *Session) scheduleReconnect(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.reconnecting {
		return
	}
	s.reconnecting = true
	s.observer.Reconnect()
	s.logger.Info("reconnect scheduled", "delay", s.cfg.ReconnectDelay.String(), "cause", errString(cause))
	s.stopTimer = s.after(s.cfg.ReconnectDelay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if !s.running || !s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = false
	s.stopTimer = nil
	ctx, wallet := s.ctx, s.wallet
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.Connect(ctx, wallet); err != nil {
		s.logger.WithError(err).Warn("reconnect failed")
	}
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.observer.SessionStateChanged(state.String())
}

func (s *Session) emit(ev miner.SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
