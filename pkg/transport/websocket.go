package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Danejw/companion-core/pkg/protocol"
)

const strategyWebSocket = "websocket"

// WebSocket is the persistent-socket transport strategy. The bearer token
// rides as a query parameter on the upgrade request.
type WebSocket struct {
	logger  *slog.Logger
	metrics *Metrics

	conn    *websocket.Conn
	frames  chan json.RawMessage
	done    chan struct{}
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	open      atomic.Bool

	errMu sync.Mutex
	err   error
}

// NewWebSocket creates a websocket strategy. logger and metrics may be nil.
func NewWebSocket(logger *slog.Logger, metrics *Metrics) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		logger:  logger,
		metrics: metrics,
		frames:  make(chan json.RawMessage, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Connect dials the backend. If ctx carries no deadline the default
// connect timeout applies; on timeout the half-open socket is closed by
// the dialer before the failure is reported.
func (w *WebSocket) Connect(ctx context.Context, endpoint, authToken string) error {
	if w.open.Load() {
		return fmt.Errorf("websocket is already open")
	}
	w.reset()

	wsURL, err := websocketEndpoint(endpoint, authToken)
	if err != nil {
		w.metrics.recordConnect(strategyWebSocket, "error")
		return err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		w.metrics.recordConnect(strategyWebSocket, "error")
		if resp != nil {
			return &TransportError{Op: "GET", URL: redactToken(wsURL), Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return &TransportError{Op: "GET", URL: redactToken(wsURL), Err: err}
	}

	w.conn = conn
	w.open.Store(true)
	w.metrics.recordConnect(strategyWebSocket, "ok")
	go w.readLoop()
	return nil
}

// reset re-arms the per-connection state. The previous connection's
// channels are gone by the time a retry dials, so each Connect gets fresh
// ones; without this a redial delivers into the closed channels of the
// dropped connection.
func (w *WebSocket) reset() {
	w.frames = make(chan json.RawMessage, 256)
	w.done = make(chan struct{})
	w.closing = make(chan struct{})
	w.closeOnce = sync.Once{}
	w.conn = nil
	w.errMu.Lock()
	w.err = nil
	w.errMu.Unlock()
}

// Send writes one outbound frame. Fire-and-forget: no ack is awaited.
func (w *WebSocket) Send(out protocol.Outbound) error {
	if !w.open.Load() {
		return fmt.Errorf("websocket is not open")
	}
	data, err := protocol.Encode(out)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "WRITE", URL: "", Err: err}
	}
	w.metrics.recordSend(strategyWebSocket, frameType(data))
	return nil
}

// Frames yields inbound frames in arrival order.
func (w *WebSocket) Frames() <-chan json.RawMessage {
	return w.frames
}

// Close shuts the connection down. Idempotent; always ends disconnected.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.open.Store(false)
		close(w.closing)
		if w.conn != nil {
			w.writeMu.Lock()
			_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			w.writeMu.Unlock()
			_ = w.conn.Close()
		} else {
			close(w.done)
			close(w.frames)
		}
		w.metrics.recordDisconnect()
	})
	<-w.done
	return nil
}

// Err returns the terminal connection error (if any) after Frames closes.
func (w *WebSocket) Err() error {
	<-w.done
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *WebSocket) setErr(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	defer close(w.frames)

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.open.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if !isClosedConn(err) {
				w.setErr(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !json.Valid(data) {
			w.metrics.recordDrop(strategyWebSocket)
			w.logger.Warn("dropping malformed inbound frame", "strategy", strategyWebSocket, "bytes", len(data))
			continue
		}
		w.metrics.recordReceive(strategyWebSocket)
		select {
		case w.frames <- append(json.RawMessage(nil), data...):
			// In-order, blocking delivery: the session must process every
			// frame in arrival order, so slow consumers backpressure the
			// read loop instead of losing frames.
		case <-w.closing:
			return
		}
	}
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// websocketEndpoint normalizes the endpoint to a ws(s) URL and attaches
// the bearer token as a query parameter. Plain ws is only acceptable for
// local development; everything else must be wss.
func websocketEndpoint(endpoint, authToken string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", fmt.Errorf("endpoint must use http(s) or ws(s)")
	}
	if authToken != "" {
		q := u.Query()
		q.Set("token", authToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func frameType(data []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "unknown"
	}
	return envelope.Type
}
