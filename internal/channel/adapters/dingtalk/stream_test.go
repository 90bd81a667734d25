package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
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

// fakeGateway serves the connection-open endpoint and the websocket it points to.
type fakeGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn)

	mu      sync.Mutex
	opened  []openConnectionRequest
	tickets []string
}

func newFakeGateway(t *testing.T, script func(conn *websocket.Conn)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, script: script}
	mux := http.NewServeMux()
	mux.HandleFunc(pathOpenConnection, func(w http.ResponseWriter, r *http.Request) {
		var req openConnectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.opened = append(g.opened, req)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StreamEndpoint{
			Endpoint: "ws" + strings.TrimPrefix(g.server.URL, "http") + "/stream",
			Ticket:   "ticket-1",
		})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.tickets = append(g.tickets, r.URL.Query().Get("ticket"))
		g.mu.Unlock()
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if g.script != nil {
			g.script(conn)
		}
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) api() *APIClient {
	return NewAPIClient(APIOptions{BaseURL: g.server.URL})
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType, topic, messageID string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame := Frame{
		SpecVersion: "1.0",
		Type:        frameType,
		Headers:     FrameHeaders{"topic": topic, "messageId": messageID},
		Data:        string(payload),
	}
	require.NoError(t, conn.WriteJSON(frame))
}

func readAck(t *testing.T, conn *websocket.Conn) ackFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack ackFrame
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func testAccount() Account {
	return Account{AccountID: "default", ClientID: "cid", ClientSecret: "secret", RobotCode: "robot", Enabled: true, Default: true}
}

func TestStreamSessionAcksAndFilters(t *testing.T) {
	t.Parallel()

	scriptDone := make(chan struct{})
	gateway := newFakeGateway(t, func(conn *websocket.Conn) {
		defer close(scriptDone)

		sendFrame(t, conn, frameTypeSystem, topicPing, "ping-1", map[string]string{"opaque": "x"})
		ack := readAck(t, conn)
		assert.Equal(t, 200, ack.Code)
		assert.Equal(t, "ping-1", ack.Headers["messageId"])
		assert.JSONEq(t, `{"opaque":"x"}`, ack.Data)

		// Group message without a mention is acknowledged but not delivered.
		sendFrame(t, conn, frameTypeCallback, TopicBotMessage, "m-group", map[string]any{
			"msgtype": "text", "msgId": "g1", "conversationType": "2", "conversationId": "cid",
			"isInAtList": false, "text": map[string]string{"content": "ignored"},
		})
		ack = readAck(t, conn)
		assert.Equal(t, "m-group", ack.Headers["messageId"])
		assert.Equal(t, callbackAckData, ack.Data)

		// Unsupported type is acknowledged and skipped.
		sendFrame(t, conn, frameTypeCallback, TopicBotMessage, "m-rich", map[string]any{
			"msgtype": "richText", "conversationType": "1",
		})
		ack = readAck(t, conn)
		assert.Equal(t, "m-rich", ack.Headers["messageId"])

		// Garbage frames are dropped without ending the session.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not a frame")))

		sendFrame(t, conn, frameTypeCallback, TopicBotMessage, "m-direct", map[string]any{
			"msgtype": "text", "msgId": "d1", "conversationType": "1", "senderStaffId": "u1",
			"text": map[string]string{"content": "hello"},
		})
		ack = readAck(t, conn)
		assert.Equal(t, "m-direct", ack.Headers["messageId"])

		// Hold the socket open until the client closes it.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var states []SessionState
	var statesMu sync.Mutex
	session := NewStreamSession(testAccount(), SessionOptions{
		Gateway: gateway.api(),
		OnStateChange: func(s SessionState) {
			statesMu.Lock()
			states = append(states, s)
			statesMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan RawMessage, 4)
	result := make(chan error, 1)
	go func() {
		result <- session.Run(ctx, func(msg RawMessage) { received <- msg })
	}()

	select {
	case msg := <-received:
		text, ok := msg.(*TextMessage)
		require.True(t, ok, "expected text message, got %T", msg)
		assert.Equal(t, "hello", text.Content)
		assert.Equal(t, "d1", text.MsgID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	assert.Equal(t, StateConnected, session.State())

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-scriptDone

	assert.Empty(t, received, "filtered messages must not be delivered")
	assert.Equal(t, StateDisconnected, session.State())

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Len(t, gateway.opened, 1)
	assert.Equal(t, "cid", gateway.opened[0].ClientID)
	assert.Equal(t, []subscription{{Type: frameTypeCallback, Topic: TopicBotMessage}}, gateway.opened[0].Subscriptions)
	assert.Equal(t, []string{"ticket-1"}, gateway.tickets)

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateConnected)
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestStreamSessionGatewayDisconnect(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, frameTypeSystem, topicDisconnect, "bye", map[string]string{})
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	})

	session := NewStreamSession(testAccount(), SessionOptions{Gateway: gateway.api()})
	err := session.Run(context.Background(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Phase)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestStreamSessionRemoteClose(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(t, func(conn *websocket.Conn) {})

	session := NewStreamSession(testAccount(), SessionOptions{Gateway: gateway.api()})
	err := session.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestStreamSessionOpenFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"InvalidAuthentication"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	session := NewStreamSession(testAccount(), SessionOptions{Gateway: NewAPIClient(APIOptions{BaseURL: server.URL})})
	err := session.Run(context.Background(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "open", connErr.Phase)
	assert.Contains(t, err.Error(), "401")
}

type stubGateway struct {
	endpoint StreamEndpoint
}

func (g stubGateway) OpenConnection(ctx context.Context, account Account) (StreamEndpoint, error) {
	return g.endpoint, nil
}

func TestStreamSessionDialFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	session := NewStreamSession(testAccount(), SessionOptions{Gateway: stubGateway{endpoint: StreamEndpoint{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http") + "/nowhere",
		Ticket:   "t",
	}}})
	err := session.Run(context.Background(), nil)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
	assert.Equal(t, "dial", connErr.Phase)
}

func TestStreamSessionRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	session := NewStreamSession(testAccount(), SessionOptions{})
	session.state.Store(int32(StateConnected))
	err := session.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StateConnected, session.State())
}

func TestEndpointURLAddsTicket(t *testing.T) {
	t.Parallel()

	got, err := endpointURL(StreamEndpoint{Endpoint: "wss://gw.example.com/connect?x=1", Ticket: "a b"})
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/connect?ticket=a+b&x=1", got)
}
