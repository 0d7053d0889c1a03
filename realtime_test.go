package atelier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test helpers
// ============================================================================

// wsHandler runs one server side of a socket session.
type wsHandler func(ctx context.Context, ws *websocket.Conn)

func newWSServer(t *testing.T, h wsHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		h(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrame(ctx context.Context, ws *websocket.Conn, raw string) error {
	return ws.Write(ctx, websocket.MessageText, []byte(raw))
}

// acceptAndAuth sends the handshake frame and then keeps the socket open,
// forwarding every inbound payload to the returned channel. The returned drop
// function force-closes every accepted socket: httptest forgets hijacked
// connections, so CloseClientConnections cannot reach a websocket.
func acceptAndAuth(t *testing.T) (*httptest.Server, <-chan []byte, func()) {
	t.Helper()
	inbound := make(chan []byte, 16)
	var mu sync.Mutex
	var socks []*websocket.Conn
	srv := newWSServer(t, func(ctx context.Context, ws *websocket.Conn) {
		mu.Lock()
		socks = append(socks, ws)
		mu.Unlock()
		if err := writeFrame(ctx, ws, `{"type":"connection_established","username":"mira","user_id":"u1"}`); err != nil {
			return
		}
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			inbound <- data
		}
	})
	drop := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, ws := range socks {
			ws.CloseNow()
		}
		socks = nil
	}
	return srv, inbound, drop
}

func testConn(srvURL string, cfg *RealtimeConfig) (*Conn, *Dispatcher) {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	d := NewDispatcher()
	return NewConn(srvURL, cfg, d), d
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   3 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	})

	var delays []time.Duration
	for r.shouldReconnect() {
		delay, _ := r.nextDelay()
		delays = append(delays, delay)
	}

	require.Equal(t, []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
	}, delays)
	require.False(t, r.shouldReconnect())

	r.reset()
	require.True(t, r.shouldReconnect())
	delay, attempt := r.nextDelay()
	require.Equal(t, 3*time.Second, delay)
	require.Equal(t, 1, attempt)
}

// The reconnect loop walks the schedule from the dead read-loop goroutine
// while a visibility-triggered Connect can reset it; both paths must be
// race-free.
func TestReconnectorConcurrentReset(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    30 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if r.shouldReconnect() {
					r.nextDelay()
				}
				r.reset()
			}
		}()
	}
	wg.Wait()
	require.True(t, r.shouldReconnect())
}

// ============================================================================
// Dispatcher
// ============================================================================

func TestDispatcher(t *testing.T) {
	t.Run("routes by kind", func(t *testing.T) {
		d := NewDispatcher()
		var got []FrameKind
		d.On(FrameNewMessage, func(f *Frame) { got = append(got, f.Kind) })
		d.On(FrameError, func(f *Frame) { got = append(got, f.Kind) })

		d.Dispatch(&Frame{Kind: FrameNewMessage})
		d.Dispatch(&Frame{Kind: FrameUserStatus})
		require.Equal(t, []FrameKind{FrameNewMessage}, got)
	})

	t.Run("on any sees every frame", func(t *testing.T) {
		d := NewDispatcher()
		var count int
		d.OnAny(func(*Frame) { count++ })

		d.Dispatch(&Frame{Kind: FrameNewMessage})
		d.Dispatch(&Frame{Kind: FrameUnknown})
		require.Equal(t, 2, count)
	})

	t.Run("cancel removes only that handler", func(t *testing.T) {
		d := NewDispatcher()
		var a, b int
		subA := d.On(FrameNewMessage, func(*Frame) { a++ })
		d.On(FrameNewMessage, func(*Frame) { b++ })

		d.Dispatch(&Frame{Kind: FrameNewMessage})
		subA.Cancel()
		subA.Cancel() // safe twice
		d.Dispatch(&Frame{Kind: FrameNewMessage})

		require.Equal(t, 1, a)
		require.Equal(t, 2, b)
	})

	t.Run("panicking handler does not stop others", func(t *testing.T) {
		d := NewDispatcher()
		var reached bool
		d.On(FrameNewMessage, func(*Frame) { panic("boom") })
		d.On(FrameNewMessage, func(*Frame) { reached = true })

		d.Dispatch(&Frame{Kind: FrameNewMessage})
		require.True(t, reached)
	})

	t.Run("state changes fan out", func(t *testing.T) {
		d := NewDispatcher()
		var states []ConnState
		d.OnStateChange(func(s ConnState, _ string) { states = append(states, s) })

		d.emitState(StateConnecting, "")
		d.emitState(StateAuthenticated, "")
		require.Equal(t, []ConnState{StateConnecting, StateAuthenticated}, states)
	})
}

// ============================================================================
// Conn
// ============================================================================

func TestConnHandshake(t *testing.T) {
	t.Run("authenticates on connection_established", func(t *testing.T) {
		srv, _, _ := acceptAndAuth(t)
		conn, d := testConn(srv.URL, nil)

		var established bool
		d.On(FrameConnectionEstablished, func(f *Frame) { established = f.Username == "mira" })

		require.NoError(t, conn.Connect(context.Background()))
		defer conn.Disconnect("test done")

		require.Equal(t, StateAuthenticated, conn.State())
		require.Equal(t, "mira", conn.Username())
		require.True(t, established)
	})

	t.Run("connect is a no-op while authenticated", func(t *testing.T) {
		srv, _, _ := acceptAndAuth(t)
		conn, _ := testConn(srv.URL, nil)

		require.NoError(t, conn.Connect(context.Background()))
		defer conn.Disconnect("test done")
		require.NoError(t, conn.Connect(context.Background()))
		require.Equal(t, StateAuthenticated, conn.State())
	})

	t.Run("non-handshake first frame fails authentication", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, ws *websocket.Conn) {
			writeFrame(ctx, ws, `{"type":"error","message":"invalid token"}`)
			ws.Read(ctx)
		})
		conn, _ := testConn(srv.URL, nil)

		err := conn.Connect(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "AUTH_FAILED", apiErr.Code)
		require.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("silent server times out as auth failure", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, ws *websocket.Conn) {
			ws.Read(ctx) // never greet
		})
		conn, _ := testConn(srv.URL, &RealtimeConfig{AuthTimeout: 100 * time.Millisecond})

		err := conn.Connect(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "AUTH_FAILED", apiErr.Code)
	})

	t.Run("dial failure reports disconnected", func(t *testing.T) {
		conn, _ := testConn("http://127.0.0.1:1", nil)
		require.Error(t, conn.Connect(context.Background()))
		require.Equal(t, StateDisconnected, conn.State())
	})
}

func TestConnSend(t *testing.T) {
	t.Run("refused before authentication", func(t *testing.T) {
		conn, _ := testConn("http://127.0.0.1:1", nil)
		require.False(t, conn.Send(NewMessageFrame("t1", "c1", "hello", "")))
	})

	t.Run("writes to an authenticated socket", func(t *testing.T) {
		srv, inbound, _ := acceptAndAuth(t)
		conn, _ := testConn(srv.URL, nil)
		require.NoError(t, conn.Connect(context.Background()))
		defer conn.Disconnect("test done")

		require.True(t, conn.Send(NewMessageFrame("t1", "c1", "hello", "")))

		select {
		case data := <-inbound:
			require.Contains(t, string(data), `"temp_id":"t1"`)
		case <-time.After(2 * time.Second):
			t.Fatal("server never received the frame")
		}
	})
}

func TestConnLifecycle(t *testing.T) {
	t.Run("inbound frames reach the dispatcher", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, ws *websocket.Conn) {
			writeFrame(ctx, ws, `{"type":"connection_established","username":"mira","user_id":"u1"}`)
			writeFrame(ctx, ws, `{"type":"new_message","message":{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hey"}}`)
			ws.Read(ctx)
		})
		conn, d := testConn(srv.URL, nil)

		got := make(chan *Frame, 1)
		d.On(FrameNewMessage, func(f *Frame) { got <- f })

		require.NoError(t, conn.Connect(context.Background()))
		defer conn.Disconnect("test done")

		select {
		case f := <-got:
			require.Equal(t, "m1", f.Message.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("frame never dispatched")
		}
	})

	t.Run("malformed frame is dropped, session survives", func(t *testing.T) {
		srv := newWSServer(t, func(ctx context.Context, ws *websocket.Conn) {
			writeFrame(ctx, ws, `{"type":"connection_established","username":"mira","user_id":"u1"}`)
			writeFrame(ctx, ws, `{"type":"new_message"}`) // missing message
			writeFrame(ctx, ws, `{"type":"new_message","message":{"id":"m2","conversation_id":"c1","sender_id":"u2","content":"still here"}}`)
			ws.Read(ctx)
		})
		conn, d := testConn(srv.URL, nil)

		got := make(chan *Frame, 1)
		d.On(FrameNewMessage, func(f *Frame) { got <- f })

		require.NoError(t, conn.Connect(context.Background()))
		defer conn.Disconnect("test done")

		select {
		case f := <-got:
			require.Equal(t, "m2", f.Message.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("session did not survive the malformed frame")
		}
	})

	t.Run("intentional close suppresses visibility reconnect", func(t *testing.T) {
		srv, _, _ := acceptAndAuth(t)
		conn, _ := testConn(srv.URL, nil)
		require.NoError(t, conn.Connect(context.Background()))

		conn.Disconnect("logout")
		require.Equal(t, StateDisconnected, conn.State())

		conn.NotifyVisible()
		time.Sleep(100 * time.Millisecond)
		require.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("visibility reconnects after an unintentional drop", func(t *testing.T) {
		srv, _, drop := acceptAndAuth(t)
		conn, d := testConn(srv.URL, &RealtimeConfig{AutoReconnect: false})

		states := make(chan ConnState, 16)
		d.OnStateChange(func(s ConnState, _ string) { states <- s })

		require.NoError(t, conn.Connect(context.Background()))

		// Server-side drop: AutoReconnect is off, so the conn stays down
		// until visibility triggers it.
		drop()
		require.Eventually(t, func() bool {
			return conn.State() == StateDisconnected
		}, 2*time.Second, 10*time.Millisecond)

		conn.NotifyVisible()
		require.Eventually(t, func() bool {
			return conn.State() == StateAuthenticated
		}, 2*time.Second, 10*time.Millisecond)
		conn.Disconnect("test done")
	})
}
