package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionState is the streaming connection lifecycle state.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport surface the session needs. The production
// implementation wraps a gorilla websocket connection; tests substitute an
// in-process fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{Conn: conn}, nil
}

// SessionCredential enables the auth handshake for private channels.
type SessionCredential struct {
	AccountID string
	Signer    Signer
}

// SessionConfig configures one streaming session.
type SessionConfig struct {
	URL        string
	Credential *SessionCredential // nil = public channels only
	Dialer     Dialer             // optional, for tests

	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration // auth/subscribe round trips
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = unlimited

	EventBuffer int
	Logger      *zap.Logger
}

func (cfg *SessionConfig) applyDefaults() {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 16 * time.Second
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &wsDialer{handshakeTimeout: cfg.HandshakeTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

type subKey struct {
	Channel string
	Symbol  string
}

type commandOp int

const (
	opSubscribe commandOp = iota
	opUnsubscribe
)

type command struct {
	op      commandOp
	key     subKey
	reply   chan error
}

// pendingRequest is a waiter registered when a correlated request is sent.
// It never outlives the connection that created it: on disconnect every
// pending waiter resolves with ErrConnectivity.
type pendingRequest struct {
	method   string
	deadline time.Time
	resolve  func(*streamFrame, error)
}

var errRequestTimeout = errors.New("stream request timed out")

// Session manages one logical streaming connection: handshake,
// authentication, the subscription set, heartbeats, and reconnection with
// linear backoff. All connection state is owned by a single run loop; the
// exported methods only post messages to it.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger

	state  int32 // atomic SessionState
	events chan Event

	commands chan command

	mu            sync.Mutex
	subscriptions map[subKey]struct{}
	running       bool
	quit          chan struct{} // closed by Disconnect
	done          chan struct{} // closed when the run loop exits

	// run-loop owned
	conn    Conn
	pending map[string]*pendingRequest
	attempt int
}

func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:           cfg,
		logger:        cfg.Logger,
		events:        make(chan Event, cfg.EventBuffer),
		commands:      make(chan command, 16),
		subscriptions: make(map[subKey]struct{}),
		pending:       make(map[string]*pendingRequest),
	}
}

// Events returns the session's ordered event stream. One dispatcher loop
// should consume it.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st SessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Connect starts the session. It blocks until the first connection cycle
// finishes: nil once the session is connected (and authenticated, when a
// credential is configured), or the error that ended the attempt. Later
// drops reconnect automatically; once the attempt ceiling is exceeded a
// terminal error event is emitted and Connect must be called again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running (state: %s)", s.State())
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.setState(StateConnecting)

	firstResult := make(chan error, 1)
	go s.run(firstResult)

	select {
	case err := <-firstResult:
		return err
	case <-ctx.Done():
		s.Disconnect()
		return ctx.Err()
	}
}

// Disconnect closes the session intentionally. No reconnect is scheduled.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	quit, done := s.quit, s.done
	s.mu.Unlock()

	select {
	case <-quit:
	default:
		close(quit)
	}
	<-done
}

// Subscribe adds (channel, symbol) to the authoritative subscription set
// and, when connected, issues the subscribe request. The set survives
// reconnects; entries leave it only via Unsubscribe or never.
func (s *Session) Subscribe(ctx context.Context, channel, symbol string) error {
	key := subKey{Channel: channel, Symbol: symbol}

	s.mu.Lock()
	s.subscriptions[key] = struct{}{}
	running, done := s.running, s.done
	s.mu.Unlock()

	if !running {
		return nil // sent on next Connect
	}
	return s.roundTrip(ctx, command{op: opSubscribe, key: key}, done)
}

// Unsubscribe removes the entry and, when connected, issues the
// unsubscribe request.
func (s *Session) Unsubscribe(ctx context.Context, channel, symbol string) error {
	key := subKey{Channel: channel, Symbol: symbol}

	s.mu.Lock()
	delete(s.subscriptions, key)
	running, done := s.running, s.done
	s.mu.Unlock()

	if !running {
		return nil
	}
	return s.roundTrip(ctx, command{op: opUnsubscribe, key: key}, done)
}

func (s *Session) roundTrip(ctx context.Context, cmd command, done chan struct{}) error {
	cmd.reply = make(chan error, 1)

	select {
	case s.commands <- cmd:
	case <-done:
		return nil // loop stopped; the set is already updated
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-done:
		return ErrConnectivity
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// run owns the connection lifecycle: connect cycle, steady-state serving,
// reconnect scheduling. It is the only goroutine touching conn, pending,
// and the subscription sends.
func (s *Session) run(firstResult chan error) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	first := true
	for {
		err := s.establish()
		if err != nil {
			if first {
				// An initial connect failure is returned to the caller
				// rather than retried behind its back.
				s.setState(StateDisconnected)
				firstResult <- err
				return
			}
			s.emit(Event{Type: EventError, Err: err})
			if !s.waitReconnect() {
				return
			}
			continue
		}

		if first {
			first = false
			firstResult <- nil
		}
		s.attempt = 0

		intentional := s.serve()
		if intentional {
			s.setState(StateDisconnected)
			return
		}
		if !s.waitReconnect() {
			return
		}
	}
}

// establish dials, authenticates if a credential is configured, and
// re-issues every subscription in the set.
func (s *Session) establish() error {
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.conn = conn

	if s.cfg.Credential != nil {
		s.setState(StateAuthenticating)
		if err := s.authenticate(conn); err != nil {
			conn.Close()
			s.conn = nil
			return err
		}
		s.setState(StateAuthenticated)
		s.emit(Event{Type: EventAuthenticated})
	} else {
		s.setState(StateConnected)
	}
	s.emit(Event{Type: EventConnected})

	s.resubscribe()
	return nil
}

// authenticate performs the auth round trip synchronously on the fresh
// connection, before the read pump starts. Auth failure is fatal for this
// attempt only.
func (s *Session) authenticate(conn Conn) error {
	cred := s.cfg.Credential
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := StreamRequest{
		Version: ProtocolVersion,
		Method:  methodAuth,
		ID:      uuid.NewString(),
		Params: authParams{
			AccountID: cred.AccountID,
			Timestamp: timestamp,
			Signature: cred.Signer.Sign(canonicalAuth(cred.AccountID, timestamp)),
		},
	}

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth response: %w", err)
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("unparsable frame during auth", zap.Error(err))
			continue
		}
		if frame.ID != req.ID {
			continue // not ours; nothing else is in flight yet
		}
		if frame.Error != nil {
			return &AuthError{Err: &ProtocolError{Code: frame.Error.Code, Message: frame.Error.Message}}
		}
		return nil
	}
}

// resubscribe re-issues every entry in the subscription set. Best effort
// per entry: one failure is logged and does not abort the others.
func (s *Session) resubscribe() {
	s.mu.Lock()
	keys := make([]subKey, 0, len(s.subscriptions))
	for key := range s.subscriptions {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		key := key
		s.sendRequest(methodSubscribe, subscribeParams{Channel: key.Channel, Symbol: key.Symbol},
			func(frame *streamFrame, err error) {
				if err == nil && frame.Error != nil {
					err = &ProtocolError{Code: frame.Error.Code, Message: frame.Error.Message}
				}
				if err != nil {
					s.logger.Warn("resubscribe failed",
						zap.String("channel", key.Channel),
						zap.String("symbol", key.Symbol),
						zap.Error(err))
				}
			})
	}
}

type readResult struct {
	data []byte
	err  error
}

// serve is the steady-state loop. It returns true when the session was
// closed intentionally and false when the connection dropped.
func (s *Session) serve() bool {
	conn := s.conn

	readC := make(chan readResult)
	readStop := make(chan struct{})
	go func() {
		for {
			data, err := conn.ReadMessage()
			select {
			case readC <- readResult{data: data, err: err}:
			case <-readStop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer close(readStop)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	heartbeatDead := false
	awaitingPong := false

	teardown := func(code int, reason string) {
		conn.Close()
		s.conn = nil
		s.failPending(ErrConnectivity)
		s.emit(Event{Type: EventDisconnected, Code: code, Reason: reason})
	}

	for {
		select {
		case <-s.quit:
			s.setState(StateClosing)
			conn.Close()
			s.conn = nil
			s.failPending(ErrConnectivity)
			s.emit(Event{Type: EventDisconnected, Reason: "client disconnect"})
			return true

		case cmd := <-s.commands:
			s.handleCommand(cmd)

		case rr := <-readC:
			if rr.err != nil {
				s.logger.Warn("stream read failed", zap.Error(rr.err))
				teardown(websocket.CloseAbnormalClosure, rr.err.Error())
				return false
			}
			s.handleFrame(rr.data)

		case <-heartbeat.C:
			if awaitingPong {
				// The previous probe never came back.
				s.logger.Warn("heartbeat lost, dropping connection")
				teardown(websocket.CloseAbnormalClosure, "heartbeat timeout")
				return false
			}
			awaitingPong = true
			s.sendRequest(methodPing, nil, func(frame *streamFrame, err error) {
				if err != nil {
					heartbeatDead = true
					return
				}
				awaitingPong = false
			})

		case <-sweep.C:
			s.expirePending()
		}

		if heartbeatDead {
			s.logger.Warn("heartbeat timed out, dropping connection")
			teardown(websocket.CloseAbnormalClosure, "heartbeat timeout")
			return false
		}
	}
}

// handleCommand sends the wire request for a subscribe/unsubscribe and
// routes the response to the caller.
func (s *Session) handleCommand(cmd command) {
	st := s.State()
	if st != StateConnected && st != StateAuthenticated {
		cmd.reply <- nil // set already updated; sent on next connect
		return
	}

	method := methodSubscribe
	if cmd.op == opUnsubscribe {
		method = methodUnsubscribe
	}

	s.sendRequest(method, subscribeParams{Channel: cmd.key.Channel, Symbol: cmd.key.Symbol},
		func(frame *streamFrame, err error) {
			if err == nil && frame.Error != nil {
				err = &ProtocolError{Code: frame.Error.Code, Message: frame.Error.Message}
			}
			cmd.reply <- err
		})
}

// sendRequest writes a correlated request and registers its waiter. Only
// called from the run loop.
func (s *Session) sendRequest(method string, params any, resolve func(*streamFrame, error)) {
	if s.conn == nil {
		resolve(nil, ErrConnectivity)
		return
	}

	req := StreamRequest{
		Version: ProtocolVersion,
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	}

	timeout := s.cfg.RequestTimeout
	if method == methodPing {
		timeout = s.cfg.HeartbeatTimeout
	}
	s.pending[req.ID] = &pendingRequest{
		method:   method,
		deadline: time.Now().Add(timeout),
		resolve:  resolve,
	}

	if err := s.conn.WriteJSON(req); err != nil {
		delete(s.pending, req.ID)
		resolve(nil, fmt.Errorf("send %s: %w", method, err))
	}
}

func (s *Session) failPending(err error) {
	for id, p := range s.pending {
		delete(s.pending, id)
		p.resolve(nil, err)
	}
}

func (s *Session) expirePending() {
	now := time.Now()
	for id, p := range s.pending {
		if now.After(p.deadline) {
			delete(s.pending, id)
			p.resolve(nil, errRequestTimeout)
		}
	}
}

// handleFrame routes one incoming frame: responses to their waiters,
// notifications to the event stream.
func (s *Session) handleFrame(data []byte) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("unparsable stream frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	if frame.isResponse() {
		p, ok := s.pending[frame.ID]
		if !ok {
			s.logger.Warn("response with no waiter dropped", zap.String("id", frame.ID))
			return
		}
		delete(s.pending, frame.ID)
		p.resolve(&frame, nil)
		return
	}

	s.dispatchNotification(&frame)
}

func (s *Session) dispatchNotification(frame *streamFrame) {
	switch frame.Method {
	case ChannelTicker:
		var ticker Ticker
		if err := json.Unmarshal(frame.Params, &ticker); err != nil {
			s.logger.Warn("bad ticker payload", zap.Error(err))
			return
		}
		s.emit(Event{Type: EventTicker, Ticker: &ticker})

	case ChannelTrades:
		var trades []Trade
		if err := json.Unmarshal(frame.Params, &trades); err != nil {
			s.logger.Warn("bad trades payload", zap.Error(err))
			return
		}
		for i := range trades {
			s.emit(Event{Type: EventTrade, Trade: &trades[i]})
		}

	case ChannelOrderbook:
		var book Orderbook
		if err := json.Unmarshal(frame.Params, &book); err != nil {
			s.logger.Warn("bad orderbook payload", zap.Error(err))
			return
		}
		s.emit(Event{Type: EventOrderbook, Orderbook: &book})

	case ChannelAccount:
		var balance Balance
		if err := json.Unmarshal(frame.Params, &balance); err != nil {
			s.logger.Warn("bad account payload", zap.Error(err))
			return
		}
		s.emit(Event{Type: EventBalance, Balance: &balance})

	case ChannelPositions:
		var positions []PositionState
		if err := json.Unmarshal(frame.Params, &positions); err != nil {
			s.logger.Warn("bad positions payload", zap.Error(err))
			return
		}
		for i := range positions {
			s.emit(Event{Type: EventPositionDelta, Position: &positions[i]})
		}

	case ChannelOrders, ChannelFills:
		var update OrderUpdate
		if err := json.Unmarshal(frame.Params, &update); err != nil {
			s.logger.Warn("bad order payload", zap.Error(err))
			return
		}
		s.emit(Event{Type: EventOrderDelta, Order: &update})

	default:
		// Unknown channels are surfaced, not dropped, so a server-side
		// addition shows up downstream instead of vanishing.
		s.emit(Event{Type: EventUnknown, Channel: frame.Method, Raw: frame.Params})
	}
}

// waitReconnect sleeps min(base*attempt, cap) before the next cycle,
// still answering subscription commands so the set stays current. It
// returns false once the attempt ceiling is exceeded; the session then
// stays down until Connect is called again.
func (s *Session) waitReconnect() bool {
	s.attempt++
	if s.cfg.MaxReconnectAttempts > 0 && s.attempt > s.cfg.MaxReconnectAttempts {
		s.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", s.cfg.MaxReconnectAttempts))
		s.setState(StateDisconnected)
		s.emit(Event{
			Type:     EventError,
			Err:      fmt.Errorf("reconnect attempts exhausted after %d tries", s.cfg.MaxReconnectAttempts),
			Terminal: true,
		})
		return false
	}

	delay := s.cfg.ReconnectBaseDelay * time.Duration(s.attempt)
	if delay > s.cfg.ReconnectMaxDelay {
		delay = s.cfg.ReconnectMaxDelay
	}

	s.logger.Info("reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempt))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.quit:
			s.setState(StateDisconnected)
			return false
		case cmd := <-s.commands:
			cmd.reply <- nil // set already updated; sent after reconnect
		case <-timer.C:
			return true
		}
	}
}
