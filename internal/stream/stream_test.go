package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickerwatch/internal/market"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var upgrader = websocket.Upgrader{}

func TestBackoffPolicyGrowsToCapAndResets(t *testing.T) {
	policy := newBackoffPolicy(time.Second, 8*time.Second, 0)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, expected := range want {
		got := policy.NextBackOff()
		if got != expected {
			t.Fatalf("第 %d 次退避应为 %s, 实际 %s", i+1, expected, got)
		}
	}

	policy.Reset()
	if got := policy.NextBackOff(); got != time.Second {
		t.Fatalf("reset should drop back to the base delay, got %s", got)
	}
}

func TestOpenDeliversTicks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		frame := `[{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"42000"}]`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := Open(context.Background(), Options{
		URL:         wsURL(srv),
		ReadTimeout: 200 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	select {
	case tick := <-conn.Ticks():
		if tick.Symbol != "BTCUSDT" || tick.Price.String() != "42000" {
			t.Fatalf("unexpected tick: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	conn.Close()
	select {
	case <-drained(conn.Ticks()):
	case <-time.After(2 * time.Second):
		t.Fatal("tick channel did not close")
	}

	if conn.Err() != nil {
		t.Fatalf("clean close must leave no terminal error: %v", conn.Err())
	}
}

// drained closes its result once the tick channel has closed.
func drained(in <-chan market.Tick) chan struct{} {
	out := make(chan struct{})
	go func() {
		for range in {
		}
		close(out)
	}()
	return out
}

// silentServer upgrades and then sends nothing until the client side
// of the socket goes away.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCloseReleasesQuietConnection(t *testing.T) {
	srv := silentServer(t)

	// No ReadTimeout: the read blocks until the socket itself is torn
	// down, so Close must not depend on a deadline firing.
	conn, err := Open(context.Background(), Options{URL: wsURL(srv)}, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	conn.Close()
	select {
	case <-drained(conn.Ticks()):
	case <-time.After(2 * time.Second):
		t.Fatal("静默连接 Close 后 Ticks 未关闭")
	}

	if conn.Err() != nil {
		t.Fatalf("clean close must leave no terminal error: %v", conn.Err())
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", conn.State())
	}
}

func TestContextCancelReleasesQuietConnection(t *testing.T) {
	srv := silentServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Open(ctx, Options{URL: wsURL(srv)}, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	cancel()
	select {
	case <-drained(conn.Ticks()):
	case <-time.After(2 * time.Second):
		t.Fatal("取消上下文后 Ticks 未关闭")
	}
}

func TestOpenFatalOnForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), Options{URL: wsURL(srv)}, testLogger())
	if err == nil {
		t.Fatal("403 handshake must fail")
	}

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("403 应立即致命, 实际 %v", err)
	}
	if fatal.Status != http.StatusForbidden {
		t.Fatalf("unexpected status %d", fatal.Status)
	}
}

func TestOpenExhaustsHandshakeRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), Options{
		URL:              wsURL(srv),
		HandshakeRetries: 3,
	}, testLogger())
	if err == nil {
		t.Fatal("open should fail once retries are exhausted")
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		t.Fatalf("500 is transient, not fatal: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 handshake attempts, got %d", got)
	}
}

func TestSubscribeAndAllowlist(t *testing.T) {
	gotSubscribe := make(chan subscribeRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var req subscribeRequest
		if _, payload, err := ws.ReadMessage(); err == nil {
			_ = json.Unmarshal(payload, &req)
		}
		gotSubscribe <- req

		frame := `[
			{"s":"ETHUSDT","p":"2000"},
			{"s":"BTCUSDT","p":"42000"}
		]`
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := Open(context.Background(), Options{
		URL:         wsURL(srv),
		Symbols:     []string{"btcusdt"},
		ReadTimeout: 200 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	select {
	case req := <-gotSubscribe:
		if req.Method != "SUBSCRIBE" {
			t.Fatalf("expected SUBSCRIBE frame, got %+v", req)
		}
		if len(req.Params) != 1 || req.Params[0] != "btcusdt@markPrice" {
			t.Fatalf("unexpected subscribe params: %v", req.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no subscribe frame")
	}

	select {
	case tick := <-conn.Ticks():
		if tick.Symbol != "BTCUSDT" {
			t.Fatalf("allowlist should filter ETHUSDT, got %s", tick.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}

func TestConnReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		n := connections.Add(1)
		if n == 1 {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","p":"1"}`))
			// Drop the first connection without a close frame.
			_ = ws.UnderlyingConn().Close()
			return
		}

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","p":"2"}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := Open(context.Background(), Options{
		URL:         wsURL(srv),
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		ReadTimeout: time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	var prices []string
	timeout := time.After(5 * time.Second)
	for len(prices) < 2 {
		select {
		case tick := <-conn.Ticks():
			prices = append(prices, tick.Price.String())
		case <-timeout:
			t.Fatalf("断线后未恢复, 已收到 %v", prices)
		}
	}

	if prices[0] != "1" || prices[1] != "2" {
		t.Fatalf("expected ticks across the reconnect, got %v", prices)
	}
	if connections.Load() < 2 {
		t.Fatal("server should have seen a second connection")
	}
}
