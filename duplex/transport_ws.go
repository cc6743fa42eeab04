package duplex

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSState represents the connection state of a WebSocket transport.
type WSState string

const (
	WSStateConnecting WSState = "connecting"
	WSStateConnected  WSState = "connected"
	WSStateFailed     WSState = "failed"
	WSStateClosed     WSState = "closed"
)

// WSTransportConfig configures the WebSocket transport behavior.
type WSTransportConfig struct {
	HeartbeatInterval time.Duration // Interval between pings (default 30s)
	HeartbeatTimeout  time.Duration // Max wait for a pong (default 10s)
	EnableHeartbeat   bool          // Whether to ping at all (default true)
	Subprotocols      []string      // WebSocket subprotocols
	ReadLimit         int64         // Max message size in bytes (default 1 MiB)
	HTTPClient        *http.Client  // Client used for the upgrade request
	Header            http.Header   // Extra upgrade request headers
}

// DefaultWSTransportConfig returns a WSTransportConfig with sensible defaults.
func DefaultWSTransportConfig() WSTransportConfig {
	return WSTransportConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		EnableHeartbeat:   true,
		ReadLimit:         1 << 20,
	}
}

// DialError reports a failed WebSocket upgrade. StatusCode is the server's
// answer to the upgrade request, zero when none was received.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("websocket connect: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket connect: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// WebSocketTransport implements Transport over one WebSocket connection with
// a ping heartbeat. It never reconnects: pending calls belong to a single
// connection, so a dropped socket ends the Conn running on it.
type WebSocketTransport struct {
	url    string
	conn   *websocket.Conn
	logger *zap.Logger
	config WSTransportConfig

	mu            sync.Mutex
	closed        bool
	state         WSState
	onStateChange func(state WSState)
	lastHeartbeat time.Time
	done          chan struct{}
}

// DialWebSocket opens a WebSocket connection and starts the heartbeat.
func DialWebSocket(ctx context.Context, url string, config WSTransportConfig, logger *zap.Logger) (*WebSocketTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}

	t := &WebSocketTransport{
		url:    url,
		logger: logger.With(zap.String("component", "duplex_ws_transport"), zap.String("url", url)),
		config: config,
		state:  WSStateConnecting,
		done:   make(chan struct{}),
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   config.HTTPClient,
		HTTPHeader:   config.Header,
		Subprotocols: config.Subprotocols,
	})
	if err != nil {
		t.setState(WSStateFailed)
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	conn.SetReadLimit(config.ReadLimit)

	t.mu.Lock()
	t.conn = conn
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
	t.setState(WSStateConnected)

	if config.EnableHeartbeat {
		go t.heartbeat()
	}
	return t, nil
}

// OnStateChange registers a callback invoked whenever the connection state changes.
func (t *WebSocketTransport) OnStateChange(fn func(WSState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}

// setState updates the internal state and fires the callback (if registered).
// Caller must NOT hold t.mu.
func (t *WebSocketTransport) setState(s WSState) {
	t.mu.Lock()
	t.state = s
	fn := t.onStateChange
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// State returns the current connection state.
func (t *WebSocketTransport) State() WSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send implements Transport. coder/websocket serializes concurrent writers.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Receive implements Transport. Binary messages are accepted as well; the
// frame codec decides whether they are valid.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		select {
		case <-t.done:
			return nil, ErrTransportClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return nil, fmt.Errorf("websocket closed by peer (%d): %w", status, ErrTransportClosed)
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}

	t.mu.Lock()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
	return data, nil
}

// Close shuts down the heartbeat and the WebSocket connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.mu.Unlock()

	t.setState(WSStateClosed)

	if err := conn.Close(websocket.StatusNormalClosure, "closing"); err != nil {
		t.logger.Debug("websocket close", zap.Error(err))
	}
	return nil
}

// heartbeat pings the peer and drops the connection once a pong is late.
// coder/websocket only sees pongs while Receive is reading, which the Conn
// read loop always is.
func (t *WebSocketTransport) heartbeat() {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.HeartbeatTimeout)
			err := t.conn.Ping(ctx)
			cancel()
			if err == nil {
				t.mu.Lock()
				t.lastHeartbeat = time.Now()
				t.mu.Unlock()
				continue
			}

			select {
			case <-t.done:
				return
			default:
			}
			t.mu.Lock()
			since := time.Since(t.lastHeartbeat)
			t.mu.Unlock()
			t.logger.Warn("heartbeat timeout, dropping connection",
				zap.Duration("since_last", since),
				zap.Error(err))
			t.setState(WSStateFailed)
			_ = t.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
	}
}
