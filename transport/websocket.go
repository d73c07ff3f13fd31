package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Local events raised by the transport itself. They carry no payload.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect_failed"
)

// envelope is the wire frame: {"event": <name>, "data": <payload>}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	URL    string
	Header http.Header
	// MaxRetries bounds reconnect attempts after the connection drops.
	MaxRetries   int
	RetryDelay   time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// WebSocket is a signaling client over one websocket connection with bounded
// automatic reconnect. Connection changes are reported to subscribers as the
// connect, disconnect and reconnect_failed events.
type WebSocket struct {
	logger shared.LoggerAdapter
	opts   Options
	subs   handlerSet

	wmu  sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects once and keeps the connection alive until Close or until
// reconnecting gives up.
func Dial(ctx context.Context, logger shared.LoggerAdapter, opts Options) (*WebSocket, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.URL == "" {
		return nil, errors.New("signaling URL is empty")
	}
	opts = opts.withDefaults()
	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", opts.URL, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		logger: logger.With(zap.String("component", "websocket"), zap.String("url", opts.URL)),
		opts:   opts,
		conn:   conn,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(conn)
	w.logger.Info("signaling connected")
	return w, nil
}

func (w *WebSocket) Subscribe(event string, handler func(data []byte)) func() {
	return w.subs.add(event, handler)
}

func (w *WebSocket) Send(event string, payload map[string]any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	frame, err := sonic.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", event, err)
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.conn == nil {
		return shared.ErrTransportClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}
	w.logger.Trace("sent", zap.String("event", event), zap.Int("bytes", len(frame)))
	return nil
}

// Done is closed once the transport stopped for good.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

func (w *WebSocket) Close() error {
	w.cancel()
	w.wmu.Lock()
	conn := w.conn
	w.conn = nil
	w.wmu.Unlock()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	<-w.done
	return err
}

func (w *WebSocket) run(conn *websocket.Conn) {
	defer close(w.done)
	for {
		w.serve(conn)
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("signaling connection lost")
		w.setConn(nil)
		w.subs.dispatch(EventDisconnect, nil)

		conn = w.reconnect()
		if conn == nil {
			if w.ctx.Err() == nil {
				w.logger.Error("giving up on signaling", shared.ErrTransportClosed, zap.Int("attempts", w.opts.MaxRetries))
				w.subs.dispatch(EventReconnectFailed, nil)
			}
			return
		}
		w.setConn(conn)
		w.logger.Info("signaling reconnected")
		w.subs.dispatch(EventConnect, nil)
	}
}

func (w *WebSocket) setConn(conn *websocket.Conn) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.ctx.Err() != nil && conn != nil {
		_ = conn.Close()
		return
	}
	w.conn = conn
}

// serve reads frames until the connection fails. A ping loop runs alongside.
func (w *WebSocket) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	go w.pingLoop(ctx, conn)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		var env envelope
		if err := sonic.Unmarshal(data, &env); err != nil || env.Event == "" {
			w.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if n := w.subs.dispatch(env.Event, env.Data); n == 0 {
			w.logger.Trace("no subscriber", zap.String("event", env.Event))
		}
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout))
			w.wmu.Unlock()
			if err != nil {
				w.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (w *WebSocket) reconnect() *websocket.Conn {
	delay := w.opts.RetryDelay
	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		select {
		case <-w.ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, _, err := w.opts.Dialer.DialContext(w.ctx, w.opts.URL, w.opts.Header)
		if err == nil {
			return conn
		}
		w.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		delay = min(delay*2, w.opts.MaxDelay)
	}
	return nil
}
