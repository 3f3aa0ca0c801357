package pool

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/retry"
)

// maxFrameSize bounds one inbound message on either transport
const maxFrameSize = 64 * 1024

// Transport moves whole frames to and from the pool
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// TransportConfig holds the timeouts shared by both transports
type TransportConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewDialer picks a transport from the URL scheme. ws and wss use
// websockets; stratum+tcp uses newline-delimited JSON over TCP.
func NewDialer(cfg TransportConfig) (Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_dialer", "invalid pool url")
	}
	switch u.Scheme {
	case "ws", "wss":
		return &websocketDialer{cfg: cfg}, nil
	case "stratum+tcp":
		return &lineDialer{cfg: cfg, addr: u.Host}, nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "new_dialer", "unsupported pool url scheme").
			WithContext("scheme", u.Scheme)
	}
}

// NewDialect returns the dialect matching the URL scheme
func NewDialect(poolURL, password, agent string) Dialect {
	if u, err := url.Parse(poolURL); err == nil && u.Scheme == "stratum+tcp" {
		return NewStratumDialect(password, agent)
	}
	return NewWebsocketDialect()
}

func dialError(err error, target string) error {
	return errors.Wrap(err, errors.ErrorTypeConnection, "dial", "failed to connect to pool").
		WithContext("pool", target)
}

type websocketDialer struct {
	cfg TransportConfig
}

func (d *websocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.cfg.DialTimeout,
	}

	conn, err := retry.DoWithResult(ctx, retry.DialConfig(), func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, d.cfg.URL, nil)
		if err != nil {
			return nil, dialError(err, d.cfg.URL)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxFrameSize)
	return &websocketTransport{conn: conn, readTimeout: d.cfg.ReadTimeout, writeTimeout: d.cfg.WriteTimeout}, nil
}

// websocketTransport carries one JSON message per text frame
type websocketTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (t *websocketTransport) ReadMessage() ([]byte, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *websocketTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

type lineDialer struct {
	cfg  TransportConfig
	addr string
}

func (d *lineDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAlive: 30 * time.Second}

	conn, err := retry.DoWithResult(ctx, retry.DialConfig(), func(ctx context.Context) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", d.addr)
		if err != nil {
			return nil, dialError(err, d.addr)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return newLineTransport(conn, d.cfg.ReadTimeout, d.cfg.WriteTimeout), nil
}

// lineTransport carries newline-delimited JSON over a stream connection
type lineTransport struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func newLineTransport(conn net.Conn, readTimeout, writeTimeout time.Duration) *lineTransport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	return &lineTransport{
		conn:         conn,
		scanner:      scanner,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (t *lineTransport) ReadMessage() ([]byte, error) {
	for {
		if t.readTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				return nil, err
			}
		}
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New(errors.ErrorTypeConnection, "read", "pool closed the connection")
		}
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
}

func (t *lineTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := t.conn.Write(frame)
	return err
}

func (t *lineTransport) Close() error {
	return t.conn.Close()
}
