package conn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverConn struct {
	ws     *websocket.Conn
	token  string
	mu     sync.Mutex
	msgs   []Envelope
	closed chan struct{}
}

func (c *serverConn) messages() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.msgs...)
}

func (c *serverConn) countType(msgType string) int {
	n := 0
	for _, m := range c.messages() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

type wsServer struct {
	srv    *httptest.Server
	connCh chan *serverConn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s := &wsServer{connCh: make(chan *serverConn, 8)}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, token: r.URL.Query().Get("token"), closed: make(chan struct{})}
		s.connCh <- sc
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				close(sc.closed)
				return
			}
			sc.mu.Lock()
			sc.msgs = append(sc.msgs, env)
			sc.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.connCh:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel connection")
		return nil
	}
}

func testManagerConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    time.Hour, // tests that care set their own
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		ReconnectFactor:      1.5,
		MaxReconnectAttempts: 5,
		OutboundBufferSize:   16,
	}
}

func TestConnectWithoutCredentialIsNoop(t *testing.T) {
	m := NewManager(testManagerConfig("ws://127.0.0.1:1/stream"))

	require.NoError(t, m.Connect(""))

	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnectCarriesCredential(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	require.NoError(t, m.Connect("tok-123"))

	sc := s.waitConn(t)
	assert.Equal(t, "tok-123", sc.token)
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectReplaysSubscriptionsAndBuffer(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	m.Subscribe("orders")
	m.Subscribe("routes")
	m.Send(Envelope{Type: "client_event", Topic: "a"})
	m.Send(Envelope{Type: "client_event", Topic: "b"})

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	require.Eventually(t, func() bool { return len(sc.messages()) >= 4 }, time.Second, 5*time.Millisecond)

	msgs := sc.messages()
	assert.Equal(t, 2, sc.countType(TypeSubscribe))

	// Buffered messages replay after the subscriptions, in original order.
	var buffered []Envelope
	for _, msg := range msgs {
		if msg.Type == "client_event" {
			buffered = append(buffered, msg)
		}
	}
	require.Len(t, buffered, 2)
	assert.Equal(t, "a", buffered[0].Topic)
	assert.Equal(t, "b", buffered[1].Topic)
}

func TestOutboundBufferDropsOldestAtCap(t *testing.T) {
	s := newWSServer(t)
	cfg := testManagerConfig(s.url())
	cfg.OutboundBufferSize = 2
	m := NewManager(cfg)
	defer m.Disconnect()

	m.Send(Envelope{Type: "client_event", Topic: "old"})
	m.Send(Envelope{Type: "client_event", Topic: "mid"})
	m.Send(Envelope{Type: "client_event", Topic: "new"})

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	require.Eventually(t, func() bool { return len(sc.messages()) >= 2 }, time.Second, 5*time.Millisecond)
	msgs := sc.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "mid", msgs[0].Topic)
	assert.Equal(t, "new", msgs[1].Topic)
}

func TestSendWhileConnectedTransmitsImmediately(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	m.Send(Envelope{Type: "client_event", Topic: "now"})

	require.Eventually(t, func() bool { return len(sc.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "now", sc.messages()[0].Topic)
}

func TestSubscribeWhileConnectedSendsControlMessage(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	m.Subscribe("drivers")
	m.Unsubscribe("drivers")

	require.Eventually(t, func() bool { return len(sc.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := sc.messages()
	assert.Equal(t, TypeSubscribe, msgs[0].Type)
	assert.Equal(t, "drivers", msgs[0].Topic)
	assert.Equal(t, TypeUnsubscribe, msgs[1].Type)
}

func TestUnexpectedCloseTriggersReconnectWithReplay(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	var events []Event
	var evMu sync.Mutex
	m.OnEvent(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	m.Subscribe("orders")
	require.NoError(t, m.Connect("tok"))
	first := s.waitConn(t)
	require.Eventually(t, func() bool { return first.countType(TypeSubscribe) == 1 }, time.Second, 5*time.Millisecond)

	// Server-side close without the intentional flag on the client.
	first.ws.Close()

	second := s.waitConn(t)
	require.Eventually(t, func() bool { return second.countType(TypeSubscribe) == 1 }, time.Second, 5*time.Millisecond)

	// Each connect replays the topic exactly once.
	assert.Equal(t, 1, first.countType(TypeSubscribe))
	assert.Equal(t, 1, second.countType(TypeSubscribe))
	assert.Equal(t, StateConnected, m.State())

	evMu.Lock()
	defer evMu.Unlock()
	var sawReconnecting bool
	for _, ev := range events {
		if ev.Type == EventReconnecting {
			sawReconnecting = true
		}
	}
	assert.True(t, sawReconnecting)
}

func TestDisconnectIsFinal(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))

	m.Subscribe("orders")
	require.NoError(t, m.Connect("tok"))
	s.waitConn(t)

	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.State())

	// No automatic reconnect after an intentional close.
	select {
	case <-s.connCh:
		t.Fatal("unexpected reconnect after Disconnect")
	case <-time.After(150 * time.Millisecond):
	}

	status := m.StatusSnapshot()
	assert.Empty(t, status.Subscriptions, "disconnect clears subscriptions")
	assert.Zero(t, status.BufferedOutbound)
}

func TestInboundDispatchByType(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	got := make(chan Inbound, 4)
	m.On(TypeOrderUpdate, func(msg Inbound) { got <- msg })

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	// Unknown type must be dropped without disturbing the dispatcher.
	require.NoError(t, sc.ws.WriteJSON(map[string]any{"type": "surprise", "payload": 1}))
	require.NoError(t, sc.ws.WriteJSON(map[string]any{
		"type":      TypeOrderUpdate,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   map[string]any{"orderId": "ord-1"},
	}))

	select {
	case msg := <-got:
		update, ok := msg.(OrderUpdate)
		require.True(t, ok)
		assert.Contains(t, string(update.Payload), "ord-1")
	case <-time.After(time.Second):
		t.Fatal("order update was not dispatched")
	}
	assert.Empty(t, got)
}

func TestPanickingHandlerDoesNotKillReadLoop(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testManagerConfig(s.url()))
	defer m.Disconnect()

	got := make(chan struct{}, 2)
	m.On(TypeNotification, func(Inbound) { panic("handler bug") })
	m.On(TypeOrderUpdate, func(Inbound) { got <- struct{}{} })

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	require.NoError(t, sc.ws.WriteJSON(Envelope{Type: TypeNotification}))
	require.NoError(t, sc.ws.WriteJSON(Envelope{Type: TypeOrderUpdate}))

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("read loop died after handler panic")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	s := newWSServer(t)
	cfg := testManagerConfig(s.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(cfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect("tok"))
	sc := s.waitConn(t)

	require.Eventually(t, func() bool { return sc.countType(TypePing) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestReconnectAbandonedAfterMaxAttempts(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1/stream")
	cfg.MaxReconnectAttempts = 2
	m := NewManager(cfg)

	abandoned := make(chan Event, 1)
	m.OnEvent(func(ev Event) {
		if ev.Type == EventAbandoned {
			select {
			case abandoned <- ev:
			default:
			}
		}
	})

	require.Error(t, m.Connect("tok"))

	select {
	case ev := <-abandoned:
		assert.Equal(t, 2, ev.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnection was not abandoned")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDecodeInboundFallsBackToUnknown(t *testing.T) {
	assert.IsType(t, Unknown{}, DecodeInbound([]byte(`not json`)))
	assert.IsType(t, Unknown{}, DecodeInbound([]byte(`{"type":"mystery"}`)))
	assert.IsType(t, Pong{}, DecodeInbound([]byte(`{"type":"pong"}`)))
	assert.IsType(t, ConflictNotice{}, DecodeInbound([]byte(`{"type":"conflict_detected","payload":{}}`)))
}
