package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a while earns a fresh backoff window.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSConnector
// ============================================================================

// WSConnector dials the server's WebSocket endpoint and hands back an
// authenticated Channel.
type WSConnector struct {
	baseURL string
	config  WSConfig
}

// NewWSConnector builds a connector for baseURL (http/https; the scheme
// is rewritten to ws/wss). The zero WSConfig selects the defaults with
// auto-reconnect enabled.
func NewWSConnector(baseURL string, config WSConfig) *WSConnector {
	config.defaults()
	return &WSConnector{baseURL: strings.TrimSuffix(baseURL, "/"), config: config}
}

// Connect dials, waits for the server's authenticated frame, and starts
// the read and heartbeat loops. A rejected token returns an AUTH error
// and is never retried here.
func (c *WSConnector) Connect(ctx context.Context, cred Credential) (Channel, error) {
	ch := &wsChannel{
		baseURL:  c.baseURL,
		config:   c.config,
		log:      c.config.Logger,
		cred:     cred,
		recon:    newReconnector(&c.config),
		handlers: make(map[string][]Handler),
	}
	if err := ch.connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	baseURL string
	config  WSConfig
	log     *slog.Logger
	cred    Credential
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
}

var _ Channel = (*wsChannel)(nil)

// On registers a handler for a named event.
func (ws *wsChannel) On(event string, h Handler) {
	ws.handlersMu.Lock()
	ws.handlers[event] = append(ws.handlers[event], h)
	ws.handlersMu.Unlock()
}

// Off removes all handlers for a named event.
func (ws *wsChannel) Off(event string) {
	ws.handlersMu.Lock()
	delete(ws.handlers, event)
	ws.handlersMu.Unlock()
}

// IsConnected reports whether the socket is up.
func (ws *wsChannel) IsConnected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.connected
}

// Emit sends an event frame, best-effort. Returns false when the socket
// is down or the write fails.
func (ws *wsChannel) Emit(event string, payload any) bool {
	ws.mu.Lock()
	conn := ws.conn
	up := ws.connected
	ws.mu.Unlock()
	if !up || conn == nil {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		ws.log.Warn("emit marshal failed", "event", event, "err", err)
		return false
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		ws.log.Debug("emit write failed", "event", event, "err", err)
		return false
	}
	return true
}

// Reconnect forces a fresh dial with a reset backoff window. Used to
// recover from the degraded state.
func (ws *wsChannel) Reconnect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.connected {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.recon.reset()
	ws.mu.Unlock()

	return ws.connect(ctx)
}

// Close shuts the socket down for good. No reconnect follows.
func (ws *wsChannel) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	ws.connected = false
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (ws *wsChannel) connect(ctx context.Context) error {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.cred.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return errNetwork("websocket dial failed", err)
	}

	// The server's first frame must be the authenticated acknowledgment.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return errNetwork("read auth frame failed", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return errAuth("channel credential rejected", nil)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.connected = true
	ws.recon.markConnected()
	ws.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	ws.dispatch(EventChannelConnected, nil)
	return nil
}

// readLoop dispatches inbound frames. Dispatch is synchronous so frames
// for the same conversation are applied in arrival order.
func (ws *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.connected = false
			ws.conn = nil
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.dispatch(EventChannelDisconnected, nil)
			if ws.config.AutoReconnect {
				ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		ws.dispatch(env.Type, env.Payload)
	}
}

func (ws *wsChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead socket; closing it kicks the read loop into the
				// reconnect path.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect retries the dial with backoff. The reconnector is
// shared with Reconnect, so every touch happens under ws.mu.
func (ws *wsChannel) scheduleReconnect() {
	for {
		ws.mu.Lock()
		if !ws.recon.shouldReconnect() {
			ws.mu.Unlock()
			break
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.mu.Unlock()

		ws.log.Info("channel reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		ws.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if IsAuth(err) {
			// A rejected credential will not become valid by retrying.
			ws.log.Warn("reconnect rejected", "err", err)
			ws.dispatch(EventChannelDegraded, nil)
			return
		}
		ws.log.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
	ws.dispatch(EventChannelDegraded, nil)
}

func (ws *wsChannel) dispatch(event string, payload json.RawMessage) {
	ws.handlersMu.RLock()
	handlers := append([]Handler{}, ws.handlers[event]...)
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
