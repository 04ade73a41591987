package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	url             string
	connectCalls    atomic.Int32
	messageCalls    atomic.Int32
	disconnectCalls atomic.Int32
	lastMsg         atomic.Value
}

func (m *mockHandler) URL() string { return m.url }
func (m *mockHandler) ID() string  { return "mock" }

func (m *mockHandler) OnConnect(ctx context.Context, w *Worker) error {
	m.connectCalls.Add(1)
	return nil
}

func (m *mockHandler) OnMessage(ctx context.Context, msg []byte) {
	m.messageCalls.Add(1)
	m.lastMsg.Store(string(msg))
}

func (m *mockHandler) OnDisconnect(ctx context.Context) {
	m.disconnectCalls.Add(1)
}

func newWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(httpURL string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(3))
	assert.Equal(t, 60*time.Second, Backoff(10))
	assert.Equal(t, 60*time.Second, Backoff(40))
	assert.Equal(t, 1*time.Second, Backoff(-1))
}

func TestWorkerConnectAndRead(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":1}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockHandler{url: wsURL(server.URL)}
	worker := NewWorker(handler, Config{ReadTimeout: 500 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		return handler.messageCalls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), handler.connectCalls.Load())
	assert.Equal(t, `{"seq":1}`, handler.lastMsg.Load())
}

func TestWorkerWrite(t *testing.T) {
	echoed := make(chan []byte, 1)
	server := newWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		echoed <- msg
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockHandler{url: wsURL(server.URL)}
	worker := NewWorker(handler, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		return handler.connectCalls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	err := worker.Write(websocket.TextMessage, []byte(`{"op":"subscribe"}`))
	require.NoError(t, err)

	select {
	case msg := <-echoed:
		assert.Equal(t, `{"op":"subscribe"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for echoed frame")
	}
}

func TestWorkerWriteNotConnected(t *testing.T) {
	handler := &mockHandler{url: "ws://127.0.0.1:1"}
	worker := NewWorker(handler, Config{}, zerolog.Nop())

	err := worker.Write(websocket.TextMessage, []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWorkerReconnect(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		// Drop the session immediately so the worker reconnects.
	})
	defer server.Close()

	handler := &mockHandler{url: wsURL(server.URL)}
	worker := NewWorker(handler, Config{ReadTimeout: 100 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		return handler.connectCalls.Load() >= 2 && handler.disconnectCalls.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerReconnectDoesNotLeakPingLoops(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		// Drop every session immediately, forcing rapid reconnects.
	})
	defer server.Close()

	handler := &mockHandler{url: wsURL(server.URL)}
	worker := NewWorker(handler, Config{
		ReadTimeout:  50 * time.Millisecond,
		PingInterval: 20 * time.Millisecond,
	}, zerolog.Nop())

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	require.Eventually(t, func() bool {
		return handler.connectCalls.Load() >= 5
	}, 5*time.Second, 10*time.Millisecond)
	worker.Stop()

	// Every session's ping loop must have exited with its session; only
	// transient server-side goroutines may still be draining.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWorkerGracefulStop(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	handler := &mockHandler{url: wsURL(server.URL)}
	worker := NewWorker(handler, Config{}, zerolog.Nop())

	worker.Start(context.Background())

	require.Eventually(t, func() bool {
		return handler.connectCalls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
