// Package conn maintains the single long-lived duplex channel to the
// dispatch service, hiding reconnect churn from the rest of the client.
// Server-pushed events (order, route, location, notification and conflict
// updates) are dispatched by type to registered handlers.
package conn

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/metrics"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventAbandoned    EventType = "reconnection_abandoned"
)

// Event reports a channel lifecycle change. Transport errors are events, not
// panics or returned errors from handlers.
type Event struct {
	Type     EventType
	Attempts int
	Err      string
}

type EventListener func(Event)

type Handler func(msg Inbound)

type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectFactor      float64
	MaxReconnectAttempts int
	OutboundBufferSize   int
}

// Manager owns at most one live channel at a time. All state transitions
// happen under mu; a generation counter makes close events from torn-down
// connections harmless.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	gen            int
	state          State
	credential     string
	intentional    bool
	subs           map[string]struct{}
	outbox         []Envelope
	backoff        time.Duration
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	handlers       map[string][]Handler
	eventListeners []EventListener
}

func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.ReconnectFactor < 1 {
		cfg.ReconnectFactor = 1.5
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.OutboundBufferSize <= 0 {
		cfg.OutboundBufferSize = 256
	}
	return &Manager{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		state:    StateDisconnected,
		subs:     make(map[string]struct{}),
		backoff:  cfg.ReconnectBaseDelay,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a wire message type. Handlers run on the read
// loop goroutine; a panicking handler is recovered and logged.
func (m *Manager) On(msgType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = append(m.handlers[msgType], h)
}

// OnEvent registers a lifecycle event listener.
func (m *Manager) OnEvent(fn EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventListeners = append(m.eventListeners, fn)
}

// Connect opens the channel with the supplied credential. Without a
// credential this is a no-op with a logged warning. An explicit Connect
// resets the automatic reconnect budget.
func (m *Manager) Connect(credential string) error {
	if credential == "" {
		logger.Log.Warn("Channel connect skipped: no credential available")
		return nil
	}

	m.mu.Lock()
	m.credential = credential
	m.attempts = 0
	m.intentional = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	return m.dial()
}

// dial opens a new transport connection, tearing down any previous one
// first. Used by both Connect and the reconnect timer.
func (m *Manager) dial() error {
	m.mu.Lock()
	m.teardownLocked()
	m.state = StateConnecting
	credential := m.credential
	m.mu.Unlock()

	target, err := channelURL(m.cfg.URL, credential)
	if err != nil {
		return err
	}

	conn, _, err := m.dialer.Dial(target, nil)
	if err != nil {
		logger.Log.Warn("Channel dial failed", zap.Error(err))
		m.mu.Lock()
		m.state = StateDisconnected
		if !m.intentional {
			m.scheduleReconnectLocked(err)
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.gen++
	gen := m.gen
	m.state = StateConnected
	// Transport-level open: backoff returns to its floor.
	m.backoff = m.cfg.ReconnectBaseDelay
	m.attempts = 0
	m.heartbeatStop = make(chan struct{})
	stop := m.heartbeatStop

	// Replay subscriptions, then the buffered outbound messages in their
	// original order.
	for topic := range m.subs {
		m.writeLocked(Envelope{Type: TypeSubscribe, Topic: topic})
	}
	buffered := m.outbox
	m.outbox = nil
	for _, env := range buffered {
		m.writeLocked(env)
	}
	m.mu.Unlock()

	logger.Log.Info("Channel connected", zap.String("url", m.cfg.URL))
	m.emit(Event{Type: EventConnected})

	go m.readLoop(conn, gen)
	go m.heartbeat(gen, stop)

	return nil
}

// Send transmits immediately when connected, otherwise buffers for replay on
// the next connect. The buffer is bounded: when full, the oldest message is
// dropped and the drop logged.
func (m *Manager) Send(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && m.conn != nil {
		m.writeLocked(env)
		return
	}

	if len(m.outbox) >= m.cfg.OutboundBufferSize {
		dropped := m.outbox[0]
		m.outbox = m.outbox[1:]
		logger.Log.Warn("Outbound buffer full, dropping oldest message",
			zap.String("droppedType", dropped.Type),
		)
	}
	m.outbox = append(m.outbox, env)
}

// Subscribe adds topic to the set replayed on every connect and, when
// connected, transmits the control message immediately.
func (m *Manager) Subscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[topic]; ok {
		return
	}
	m.subs[topic] = struct{}{}
	if m.state == StateConnected && m.conn != nil {
		m.writeLocked(Envelope{Type: TypeSubscribe, Topic: topic})
	}
}

func (m *Manager) Unsubscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[topic]; !ok {
		return
	}
	delete(m.subs, topic)
	if m.state == StateConnected && m.conn != nil {
		m.writeLocked(Envelope{Type: TypeUnsubscribe, Topic: topic})
	}
}

// Disconnect closes the channel intentionally: no reconnect follows, and all
// timers, buffers and subscriptions are released. Immediate; in-flight sends
// are not drained.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intentional = true
	m.state = StateClosing
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.teardownLocked()
	m.subs = make(map[string]struct{})
	m.outbox = nil
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseDelay
	m.state = StateDisconnected

	logger.Log.Info("Channel disconnected")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

type Status struct {
	State             string   `json:"state"`
	ReconnectAttempts int      `json:"reconnectAttempts"`
	BufferedOutbound  int      `json:"bufferedOutbound"`
	Subscriptions     []string `json:"subscriptions"`
}

func (m *Manager) StatusSnapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	return Status{
		State:             m.state.String(),
		ReconnectAttempts: m.attempts,
		BufferedOutbound:  len(m.outbox),
		Subscriptions:     topics,
	}
}

// readLoop owns inbound traffic for one connection generation. Messages are
// dispatched in arrival order; the loop exits on the transport's close.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		metrics.ChannelMessages.WithLabelValues("inbound").Inc()
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	msg := DecodeInbound(data)

	if unknown, ok := msg.(Unknown); ok {
		logger.Log.Debug("Ignoring unknown channel message", zap.String("type", unknown.Type))
		return
	}

	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers[TypeOf(msg)]...)
	m.mu.Unlock()

	for _, h := range handlers {
		m.safeHandle(h, msg)
	}
}

func (m *Manager) safeHandle(h Handler, msg Inbound) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Channel handler panicked",
				zap.String("type", TypeOf(msg)),
				zap.Any("panic", r),
			)
		}
	}()
	h(msg)
}

// heartbeat sends a lightweight ping on a fixed interval. A missing pong is
// not treated as failure: the transport's own close event is authoritative.
func (m *Manager) heartbeat(gen int, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.gen != gen || m.state != StateConnected {
				m.mu.Unlock()
				return
			}
			m.writeLocked(Envelope{Type: TypePing})
			m.mu.Unlock()
		}
	}
}

// handleClose reacts to the transport closing. Reconnection is scheduled on
// a timer, never started synchronously from the close path.
func (m *Manager) handleClose(gen int, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// A newer connection already replaced this one.
		return
	}

	m.teardownLocked()
	m.state = StateDisconnected

	go m.emit(Event{Type: EventDisconnected, Err: errString(cause)})

	if m.intentional {
		return
	}

	logger.Log.Warn("Channel closed unexpectedly", zap.Error(cause))
	m.scheduleReconnectLocked(cause)
}

func (m *Manager) scheduleReconnectLocked(cause error) {
	m.attempts++
	if m.attempts > m.cfg.MaxReconnectAttempts {
		logger.Log.Error("Reconnection abandoned after max attempts",
			zap.Int("attempts", m.attempts-1),
		)
		go m.emit(Event{Type: EventAbandoned, Attempts: m.attempts - 1, Err: errString(cause)})
		return
	}

	delay := m.backoff
	next := time.Duration(float64(m.backoff) * m.cfg.ReconnectFactor)
	if next > m.cfg.ReconnectMaxDelay {
		next = m.cfg.ReconnectMaxDelay
	}
	m.backoff = next

	// Small jitter so a fleet of clients does not reconnect in lockstep.
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

	logger.Log.Info("Scheduling channel reconnect",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
	)
	metrics.ChannelReconnects.Inc()
	go m.emit(Event{Type: EventReconnecting, Attempts: m.attempts, Err: errString(cause)})

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		_ = m.dial()
	})
}

// teardownLocked releases the current transport and stops its heartbeat.
// Callers must hold mu.
func (m *Manager) teardownLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.conn != nil {
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = m.conn.Close()
		m.conn = nil
		m.gen++
	}
}

// writeLocked transmits one envelope. Callers must hold mu; gorilla allows
// only one concurrent writer.
func (m *Manager) writeLocked(env Envelope) {
	if m.conn == nil {
		return
	}
	if err := m.conn.WriteJSON(env); err != nil {
		logger.Log.Warn("Channel write failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	metrics.ChannelMessages.WithLabelValues("outbound").Inc()
}

func (m *Manager) emit(event Event) {
	m.mu.Lock()
	listeners := append([]EventListener(nil), m.eventListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func channelURL(raw, credential string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
