package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

func TestBackoffDelaySequence(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 8 * time.Second
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	prev := time.Duration(0)
	for attempt, expected := range want {
		got := backoffDelay(base, cap, attempt)
		if got != expected {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, expected)
		}
		if got < prev {
			t.Fatalf("delays must be non-decreasing: %v after %v", got, prev)
		}
		prev = got
	}
}

// streamServer upgrades each request and invokes handle with the connection.
func streamServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handle(r.Context(), c)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(ctx context.Context, c *websocket.Conn, frameType chessicadto.FrameType, payload any) error {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(chessicadto.StreamFrame{Type: frameType, Payload: raw})
	return c.Write(ctx, websocket.MessageText, data)
}

func waitFrames(t *testing.T, ch <-chan *chessicadto.StreamFrame, n int) []*chessicadto.StreamFrame {
	t.Helper()
	var got []*chessicadto.StreamFrame
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case f := <-ch:
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(got))
		}
	}
	return got
}

func TestFramesDispatchedInOrder(t *testing.T) {
	srv := streamServer(t, func(ctx context.Context, c *websocket.Conn) {
		for _, uci := range []string{"e2e4", "e7e5", "g1f3"} {
			if err := sendFrame(ctx, c, chessicadto.FramePlayerMove, chessicadto.MovePayload{UCI: uci}); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		_, _, _ = c.Read(ctx)
	})
	defer srv.Close()

	frames := make(chan *chessicadto.StreamFrame, 8)
	m := NewManager(wsURL(srv))
	m.OnFrame(func(f *chessicadto.StreamFrame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "sess_1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = m.Close(context.Background()) }()

	got := waitFrames(t, frames, 3)
	var order []string
	for _, f := range got {
		var p chessicadto.MovePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		order = append(order, p.UCI)
	}
	if order[0] != "e2e4" || order[1] != "e7e5" || order[2] != "g1f3" {
		t.Fatalf("frames out of order: %v", order)
	}
	if m.State() != StateOpen {
		t.Fatalf("expected open state, got %s", m.State())
	}
}

func TestMalformedFrameDroppedWithoutClosing(t *testing.T) {
	srv := streamServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = c.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"no_type":true}`))
		_ = sendFrame(ctx, c, chessicadto.FrameStatus, chessicadto.StatusPayload{Status: "ok"})
		_, _, _ = c.Read(ctx)
	})
	defer srv.Close()

	frames := make(chan *chessicadto.StreamFrame, 8)
	m := NewManager(wsURL(srv))
	m.OnFrame(func(f *chessicadto.StreamFrame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "sess_1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = m.Close(context.Background()) }()

	got := waitFrames(t, frames, 1)
	if got[0].Type != chessicadto.FrameStatus {
		t.Fatalf("unexpected frame: %+v", got[0])
	}
	if m.State() != StateOpen {
		t.Fatalf("malformed frame closed the connection: %s", m.State())
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	var accepts int32
	srv := streamServer(t, func(ctx context.Context, c *websocket.Conn) {
		if atomic.AddInt32(&accepts, 1) == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		_ = sendFrame(ctx, c, chessicadto.FrameStatus, chessicadto.StatusPayload{Status: "back"})
		_, _, _ = c.Read(ctx)
	})
	defer srv.Close()

	frames := make(chan *chessicadto.StreamFrame, 8)
	m := NewManager(wsURL(srv), WithBackoff(10*time.Millisecond, 40*time.Millisecond))
	m.OnFrame(func(f *chessicadto.StreamFrame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "sess_1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = m.Close(context.Background()) }()

	got := waitFrames(t, frames, 1)
	if got[0].Type != chessicadto.FrameStatus {
		t.Fatalf("unexpected frame after reconnect: %+v", got[0])
	}
	if n := atomic.LoadInt32(&accepts); n < 2 {
		t.Fatalf("expected a reconnect, saw %d accepts", n)
	}
}

// The context passed to Connect bounds only the initial dial. Reconnection
// must keep working after the caller cancels it, the way a load path that
// connects under a request timeout does.
func TestReconnectSurvivesCallerContextCancel(t *testing.T) {
	var accepts int32
	srv := streamServer(t, func(ctx context.Context, c *websocket.Conn) {
		if atomic.AddInt32(&accepts, 1) == 1 {
			time.Sleep(20 * time.Millisecond)
			_ = c.Close(websocket.StatusGoingAway, "drop")
			return
		}
		_ = sendFrame(ctx, c, chessicadto.FrameStatus, chessicadto.StatusPayload{Status: "back"})
		_, _, _ = c.Read(ctx)
	})
	defer srv.Close()

	frames := make(chan *chessicadto.StreamFrame, 8)
	m := NewManager(wsURL(srv), WithBackoff(10*time.Millisecond, 40*time.Millisecond))
	m.OnFrame(func(f *chessicadto.StreamFrame) { frames <- f })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := m.Connect(ctx, "sess_1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cancel() // the caller's context ends as soon as the load returns
	defer func() { _ = m.Close(context.Background()) }()

	got := waitFrames(t, frames, 1)
	if got[0].Type != chessicadto.FrameStatus {
		t.Fatalf("unexpected frame after reconnect: %+v", got[0])
	}
	if n := atomic.LoadInt32(&accepts); n < 2 {
		t.Fatalf("connection was never re-dialed after caller cancel: %d accepts", n)
	}
}

func TestCloseAbandonsReconnect(t *testing.T) {
	var accepts int32
	srv := streamServer(t, func(ctx context.Context, c *websocket.Conn) {
		atomic.AddInt32(&accepts, 1)
		_ = c.Close(websocket.StatusGoingAway, "always down")
	})
	defer srv.Close()

	m := NewManager(wsURL(srv), WithBackoff(10*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "sess_1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// let at least one reconnect cycle run, then abandon
	time.Sleep(50 * time.Millisecond)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// a dial already in flight at Close time may still land; let it settle
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt32(&accepts)
	time.Sleep(100 * time.Millisecond)
	if after := atomic.LoadInt32(&accepts); after != settled {
		t.Fatalf("reconnects continued after Close: %d -> %d", settled, after)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected after Close, got %s", m.State())
	}
}
