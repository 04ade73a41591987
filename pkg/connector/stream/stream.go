// Package stream provides the shared WebSocket session used by exchange
// connectors: dial with backoff, ping keepalive, read deadlines and
// rate-limited writes. Exchange-specific framing and field mapping live in
// the per-exchange connector implementations.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNotConnected is returned by Write when no session is established
var ErrNotConnected = errors.New("stream: not connected")

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Backoff returns the exponential reconnect delay for a retry count,
// capped at maxDelay.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Handler supplies the exchange-specific behavior of a Worker
type Handler interface {
	// URL is the WebSocket endpoint to dial
	URL() string
	// OnConnect runs after each (re)connect, typically to resubscribe
	OnConnect(ctx context.Context, w *Worker) error
	// OnMessage receives every raw frame read from the session
	OnMessage(ctx context.Context, msg []byte)
	// OnDisconnect runs after the session is torn down
	OnDisconnect(ctx context.Context)
	// ID names the session in logs
	ID() string
}

// Config tunes a Worker
type Config struct {
	ReadTimeout  time.Duration
	PingInterval time.Duration
	WriteRate    rate.Limit
	WriteBurst   int
	DialTimeout  time.Duration
}

// Worker owns the lifecycle of one WebSocket session: it reconnects with
// exponential backoff, enforces a read deadline, pings on an interval and
// serializes and rate-limits writes.
type Worker struct {
	handler Handler
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu            sync.RWMutex
	conn          *websocket.Conn
	sessionCancel context.CancelFunc
	writeMu       sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewWorker creates a Worker for the handler. Zero config fields get
// conservative defaults.
func NewWorker(handler Handler, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteRate <= 0 {
		cfg.WriteRate = rate.Limit(10)
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 20
	}
	return &Worker{
		handler: handler,
		cfg:     cfg,
		logger:  logger.With().Str("stream", handler.ID()).Logger(),
		limiter: rate.NewLimiter(cfg.WriteRate, cfg.WriteBurst),
	}
}

// Start launches the connect/read loop
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for the loop to exit
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn().Err(err).Int("retry", retry).Msg("connect failed")
			delay := Backoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.process(ctx)
		w.handler.OnDisconnect(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}

	// The ping loop is bound to this session: close() cancels it, so a
	// reconnect never leaves the previous session's loop behind.
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.conn = conn
	w.sessionCancel = sessionCancel
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, w); err != nil {
		w.close()
		return err
	}

	w.wg.Add(1)
	go w.pingLoop(sessionCtx)

	w.logger.Info().Msg("connected")
	return nil
}

func (w *Worker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		_ = c.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			w.logger.Warn().Err(err).Msg("read error")
			w.close()
			return
		}

		w.handler.OnMessage(ctx, msg)
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Write(websocket.PingMessage, nil); err != nil {
				w.logger.Warn().Err(err).Msg("ping error")
				w.close()
				return
			}
		}
	}
}

// Write sends one frame on the session. Writes are serialized and subject to
// the configured rate limit.
func (w *Worker) Write(msgType int, data []byte) error {
	if err := w.limiter.Wait(context.Background()); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}

	return c.WriteMessage(msgType, data)
}

func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionCancel != nil {
		w.sessionCancel()
		w.sessionCancel = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}
