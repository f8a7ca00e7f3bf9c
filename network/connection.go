package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected indicates no push connection is available.
	ErrNotConnected = errors.New("network: push channel not connected")
	// ErrBackpressure indicates the bounded outbound queue is full.
	ErrBackpressure = errors.New("network: outbound queue full")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one push connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// PushConn is one established push-channel connection.
type PushConn interface {
	Send(frame Frame) error
	Inbound() <-chan []byte
	Done() <-chan struct{}
	LastError() error
	Close() error
}

// Dialer opens an authenticated push connection.
type Dialer interface {
	Dial(ctx context.Context, token string) (PushConn, error)
}

// ChannelConnectError reports a failed push-channel connect. Callers degrade to
// REST-only mode until a later reconnect succeeds.
type ChannelConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ChannelConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push channel connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push channel connect %s: %v", e.URL, e.Err)
}

func (e *ChannelConnectError) Unwrap() error { return e.Err }

// ConnectionOptions controls runtime behavior of PushConnection.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	OutboundQueue     int
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.OutboundQueue <= 0 {
		out.OutboundQueue = DefaultOutboundQueue
	}
	return out
}

// WebsocketDialer dials the push endpoint with a bearer token.
type WebsocketDialer struct {
	URL     string
	Options ConnectionOptions
	Dialer  *websocket.Dialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, token string) (PushConn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, &ChannelConnectError{URL: d.URL, Err: errors.New("push URL is required")}
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultConnectionTimeout,
		}
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		connectErr := &ChannelConnectError{URL: d.URL, Err: err}
		if resp != nil {
			connectErr.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, connectErr
	}

	return NewPushConnection(ws, d.Options), nil
}

// PushConnection manages a framed websocket session. It is used by both the client
// router and the development backend's hub.
type PushConnection struct {
	ws *websocket.Conn

	stateMu sync.RWMutex
	state   ConnectionState

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	inbound  chan []byte
	outbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewPushConnection wraps an upgraded websocket and starts its read and write loops.
func NewPushConnection(ws *websocket.Conn, options ConnectionOptions) *PushConnection {
	opts := options.withDefaults()

	pc := &PushConnection{
		ws:                ws,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		inbound:           make(chan []byte, 64),
		outbound:          make(chan []byte, opts.OutboundQueue),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pc.pongWait()))
	ws.SetPongHandler(func(string) error {
		pc.touchActivity()
		pc.setState(StateIdle)
		return ws.SetReadDeadline(time.Now().Add(pc.pongWait()))
	})

	pc.touchActivity()
	pc.setState(StateReady)
	go pc.readLoop()
	go pc.writeLoop()

	return pc
}

// State returns the current connection state.
func (pc *PushConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Inbound delivers raw frames in arrival order.
func (pc *PushConnection) Inbound() <-chan []byte {
	return pc.inbound
}

// Done is closed when the connection is fully disconnected.
func (pc *PushConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PushConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// LastActivity returns when a frame or pong was last seen.
func (pc *PushConnection) LastActivity() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

// Send marshals a frame and queues it for the write loop.
func (pc *PushConnection) Send(frame Frame) error {
	payload, err := EncodeJSON(frame)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw queues a pre-marshaled frame. It never blocks: a full queue is reported as
// ErrBackpressure.
func (pc *PushConnection) SendRaw(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	select {
	case pc.outbound <- payload:
		return nil
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
		return ErrBackpressure
	}
}

// Close sends a normal close frame and terminates the connection.
func (pc *PushConnection) Close() error {
	pc.setState(StateDisconnecting)
	_ = pc.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(pc.writeTimeout),
	)
	pc.closeWithError(nil)
	return nil
}

func (pc *PushConnection) pongWait() time.Duration {
	return pc.keepAliveInterval + pc.keepAliveTimeout
}

func (pc *PushConnection) readLoop() {
	for {
		_, payload, err := pc.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pc.closeWithError(nil)
				return
			}
			select {
			case <-pc.closed:
				return
			default:
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				pc.closeWithError(ErrPongTimeout)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		_ = pc.ws.SetReadDeadline(time.Now().Add(pc.pongWait()))
		if len(payload) == 0 {
			continue
		}

		pc.setState(StateReady)
		select {
		case pc.inbound <- payload:
		case <-pc.closed:
			return
		}
	}
}

func (pc *PushConnection) writeLoop() {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-pc.outbound:
			_ = pc.ws.SetWriteDeadline(time.Now().Add(pc.writeTimeout))
			if err := pc.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				pc.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
			pc.touchActivity()
		case <-ticker.C:
			idleFor := time.Since(pc.LastActivity())
			if idleFor < pc.keepAliveInterval {
				continue
			}
			if err := pc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pc.writeTimeout)); err != nil {
				pc.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
			pc.setState(StateIdle)
		case <-pc.closed:
			return
		}
	}
}

func (pc *PushConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	if pc.state == StateDisconnected {
		return
	}
	pc.state = state
}

func (pc *PushConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PushConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateDisconnected
		pc.stateMu.Unlock()
		_ = pc.ws.Close()
		close(pc.closed)
	})
}
