package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeConn is an in-process transport. The test plays the server: it reads
// client requests from out and pushes server frames into in.
type fakeConn struct {
	in        chan []byte
	out       chan wireRequest
	closed    chan struct{}
	closeOnce sync.Once
}

type wireRequest struct {
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      string          `json:"id"`
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		out:    make(chan wireRequest, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	c.out <- req
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server frame to the client.
func (c *fakeConn) push(t *testing.T, frame streamFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

// fakeDialer hands out preloaded connections; once they run out every
// further dial fails.
type fakeDialer struct {
	connC chan *fakeConn
	dials int32
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{connC: make(chan *fakeConn, len(conns))}
	for _, c := range conns {
		d.connC <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	select {
	case c := <-d.connC:
		return c, nil
	default:
		return nil, errors.New("connection refused")
	}
}

// serveRequests answers every client request with success, recording the
// methods seen. Methods in mute are recorded but never answered.
func serveRequests(t *testing.T, conn *fakeConn, seen *[]wireRequest, mu *sync.Mutex, mute ...string) {
	t.Helper()
	muted := make(map[string]bool, len(mute))
	for _, m := range mute {
		muted[m] = true
	}
	go func() {
		for {
			select {
			case req := <-conn.out:
				mu.Lock()
				*seen = append(*seen, req)
				mu.Unlock()
				if muted[req.Method] {
					continue
				}
				conn.push(t, streamFrame{Version: ProtocolVersion, ID: req.ID})
			case <-conn.closed:
				return
			}
		}
	}()
}

func methodsSeen(mu *sync.Mutex, seen *[]wireRequest, method string) []wireRequest {
	mu.Lock()
	defer mu.Unlock()
	var out []wireRequest
	for _, req := range *seen {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func awaitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func testSessionConfig(dialer Dialer) SessionConfig {
	return SessionConfig{
		URL:                "ws://fake",
		Dialer:             dialer,
		RequestTimeout:     time.Second,
		HeartbeatInterval:  time.Hour, // out of the way unless a test shrinks it
		HeartbeatTimeout:   time.Second,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		Logger:             zap.NewNop(),
	}
}

// go test -v --run TestSessionConnectAndSubscribe
func TestSessionConnectAndSubscribe(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)

	var mu sync.Mutex
	var seen []wireRequest
	serveRequests(t, conn, &seen, &mu)

	session := NewSession(testSessionConfig(dialer))
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()

	awaitEvent(t, session.Events(), EventConnected)
	if got := session.State(); got != StateConnected {
		t.Fatalf("expected connected state, got %s", got)
	}

	if err := session.Subscribe(context.Background(), ChannelTicker, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	subs := methodsSeen(&mu, &seen, methodSubscribe)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscribe request, got %d", len(subs))
	}
	var params subscribeParams
	if err := json.Unmarshal(subs[0].Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Channel != ChannelTicker || params.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected subscribe params: %+v", params)
	}
}

// go test -v --run TestSessionAuthenticates
func TestSessionAuthenticates(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	signer := NewHMACSigner("stream-secret")

	// Answer the auth handshake by hand so the signature can be checked.
	go func() {
		req := <-conn.out
		if req.Method != methodAuth {
			t.Errorf("first request must be auth, got %s", req.Method)
		}
		var params authParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Error(err)
		}
		want := signer.Sign(canonicalAuth("acct-test", params.Timestamp))
		if params.Signature != want {
			t.Errorf("auth signature mismatch: got %s want %s", params.Signature, want)
		}
		conn.push(t, streamFrame{Version: ProtocolVersion, ID: req.ID})
	}()

	cfg := testSessionConfig(dialer)
	cfg.Credential = &SessionCredential{AccountID: "acct-test", Signer: signer}
	session := NewSession(cfg)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()

	awaitEvent(t, session.Events(), EventAuthenticated)
	awaitEvent(t, session.Events(), EventConnected)
	if got := session.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", got)
	}
}

// go test -v --run TestSessionRejectedAuthFailsConnect
func TestSessionRejectedAuthFailsConnect(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)

	go func() {
		req := <-conn.out
		conn.push(t, streamFrame{
			Version: ProtocolVersion,
			ID:      req.ID,
			Error:   &StreamError{Code: 401, Message: "bad signature"},
		})
	}()

	cfg := testSessionConfig(dialer)
	cfg.Credential = &SessionCredential{AccountID: "acct-test", Signer: NewHMACSigner("wrong")}
	session := NewSession(cfg)

	err := session.Connect(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := session.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

// go test -v --run TestSessionResubscribesAfterReconnect
func TestSessionResubscribesAfterReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := newFakeDialer(conn1, conn2)

	var mu sync.Mutex
	var seen1, seen2 []wireRequest
	serveRequests(t, conn1, &seen1, &mu)
	serveRequests(t, conn2, &seen2, &mu)

	session := NewSession(testSessionConfig(dialer))
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()
	awaitEvent(t, session.Events(), EventConnected)

	ctx := context.Background()
	if err := session.Subscribe(ctx, ChannelTicker, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := session.Subscribe(ctx, ChannelTrades, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}

	// Server drops the connection.
	conn1.Close()
	awaitEvent(t, session.Events(), EventDisconnected)
	awaitEvent(t, session.Events(), EventConnected)

	// Every entry in the subscription set comes back on the new
	// connection without any caller involvement.
	deadline := time.Now().Add(2 * time.Second)
	for {
		subs := methodsSeen(&mu, &seen2, methodSubscribe)
		if len(subs) == 2 {
			got := map[string]bool{}
			for _, req := range subs {
				var params subscribeParams
				if err := json.Unmarshal(req.Params, &params); err != nil {
					t.Fatal(err)
				}
				got[params.Channel+"/"+params.Symbol] = true
			}
			if !got["ticker/BTCUSDT"] || !got["trades/ETHUSDT"] {
				t.Fatalf("wrong resubscriptions: %v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 resubscribe requests, got %d", len(subs))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&dialer.dials); got != 2 {
		t.Fatalf("expected 2 dials, got %d", got)
	}
}

// go test -v --run TestSessionTerminalAfterMaxReconnectAttempts
func TestSessionTerminalAfterMaxReconnectAttempts(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn) // reconnect dials all fail

	var mu sync.Mutex
	var seen []wireRequest
	serveRequests(t, conn, &seen, &mu)

	cfg := testSessionConfig(dialer)
	cfg.MaxReconnectAttempts = 2
	session := NewSession(cfg)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, session.Events(), EventConnected)

	conn.Close()

	ev := awaitEvent(t, session.Events(), EventError)
	for !ev.Terminal {
		ev = awaitEvent(t, session.Events(), EventError)
	}
	if got := session.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	// First dial plus one per allowed attempt.
	if got := atomic.LoadInt32(&dialer.dials); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
}

// go test -v --run TestSessionFailsPendingOnDisconnect
func TestSessionFailsPendingOnDisconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)

	var mu sync.Mutex
	var seen []wireRequest
	serveRequests(t, conn, &seen, &mu, methodSubscribe) // never answer subscribes

	session := NewSession(testSessionConfig(dialer))
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()
	awaitEvent(t, session.Events(), EventConnected)

	subErr := make(chan error, 1)
	go func() {
		subErr <- session.Subscribe(context.Background(), ChannelTicker, "BTCUSDT")
	}()

	// Wait until the subscribe is in flight, then kill the connection.
	deadline := time.Now().Add(2 * time.Second)
	for len(methodsSeen(&mu, &seen, methodSubscribe)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe request never sent")
		}
		time.Sleep(time.Millisecond)
	}
	conn.Close()

	select {
	case err := <-subErr:
		if !errors.Is(err, ErrConnectivity) {
			t.Fatalf("expected connectivity error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending subscribe never resolved")
	}
}

// go test -v --run TestSessionHeartbeatDropsDeadConnection
func TestSessionHeartbeatDropsDeadConnection(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := newFakeDialer(conn1, conn2)

	var mu sync.Mutex
	var seen1, seen2 []wireRequest
	serveRequests(t, conn1, &seen1, &mu, methodPing) // pings vanish
	serveRequests(t, conn2, &seen2, &mu)

	cfg := testSessionConfig(dialer)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	session := NewSession(cfg)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()
	awaitEvent(t, session.Events(), EventConnected)

	// The unanswered ping must drop the connection and trigger a
	// reconnect onto the healthy one.
	awaitEvent(t, session.Events(), EventDisconnected)
	awaitEvent(t, session.Events(), EventConnected)

	if got := len(methodsSeen(&mu, &seen1, methodPing)); got == 0 {
		t.Fatal("no ping was ever sent")
	}
}

// go test -v --run TestSessionInitialConnectFailure
func TestSessionInitialConnectFailure(t *testing.T) {
	dialer := newFakeDialer() // every dial fails

	session := NewSession(testSessionConfig(dialer))
	if err := session.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if got := session.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	// Initial failure is returned, not retried behind the caller's back.
	if got := atomic.LoadInt32(&dialer.dials); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

// go test -v --run TestSessionDispatchesNotifications
func TestSessionDispatchesNotifications(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)

	var mu sync.Mutex
	var seen []wireRequest
	serveRequests(t, conn, &seen, &mu)

	session := NewSession(testSessionConfig(dialer))
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Disconnect()
	awaitEvent(t, session.Events(), EventConnected)

	tickerParams, _ := json.Marshal(Ticker{Symbol: "BTCUSDT", LastPrice: 50000, Timestamp: 1700000000000})
	conn.push(t, streamFrame{Version: ProtocolVersion, Method: ChannelTicker, Params: tickerParams})

	tradeParams, _ := json.Marshal([]Trade{
		{Symbol: "BTCUSDT", Price: 50001, Size: 0.5, Side: SideBuy, Timestamp: 1700000000100},
		{Symbol: "BTCUSDT", Price: 50002, Size: 0.2, Side: SideSell, Timestamp: 1700000000200},
	})
	conn.push(t, streamFrame{Version: ProtocolVersion, Method: ChannelTrades, Params: tradeParams})

	conn.push(t, streamFrame{Version: ProtocolVersion, Method: "funding", Params: json.RawMessage(`{"rate":"0.0001"}`)})

	ev := awaitEvent(t, session.Events(), EventTicker)
	if ev.Ticker.LastPrice != 50000 {
		t.Fatalf("unexpected ticker: %+v", ev.Ticker)
	}

	first := awaitEvent(t, session.Events(), EventTrade)
	second := awaitEvent(t, session.Events(), EventTrade)
	if first.Trade.Price != 50001 || second.Trade.Price != 50002 {
		t.Fatalf("trade order lost: %v then %v", first.Trade.Price, second.Trade.Price)
	}

	unknown := awaitEvent(t, session.Events(), EventUnknown)
	if unknown.Channel != "funding" {
		t.Fatalf("unexpected unknown channel: %s", unknown.Channel)
	}
}
