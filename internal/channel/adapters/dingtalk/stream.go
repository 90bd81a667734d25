package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// SessionState is the lifecycle state of a StreamSession.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// GatewayOpener registers a stream connection and returns its endpoint.
type GatewayOpener interface {
	OpenConnection(ctx context.Context, account Account) (StreamEndpoint, error)
}

// SessionOptions configures a StreamSession.
type SessionOptions struct {
	Gateway GatewayOpener
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	// OnStateChange is called after every transition.
	OnStateChange func(SessionState)
}

// StreamSession owns one stream-mode connection for one account. Run blocks
// until the connection ends; there is no reconnection inside the session.
type StreamSession struct {
	account       Account
	gateway       GatewayOpener
	dialer        *websocket.Dialer
	logger        *slog.Logger
	onStateChange func(SessionState)

	state   atomic.Int32
	writeMu sync.Mutex
}

// NewStreamSession creates a disconnected session for account.
func NewStreamSession(account Account, opts SessionOptions) *StreamSession {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &StreamSession{
		account:       account,
		gateway:       opts.Gateway,
		dialer:        dialer,
		logger:        log.With(slog.String("account_id", account.AccountID)),
		onStateChange: opts.OnStateChange,
	}
}

// State returns the current lifecycle state.
func (s *StreamSession) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *StreamSession) setState(state SessionState) {
	prev := SessionState(s.state.Swap(int32(state)))
	if prev == state {
		return
	}
	s.logger.Debug("stream state", slog.String("from", prev.String()), slog.String("to", state.String()))
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

// Run connects and reads frames until ctx is cancelled (returns nil) or the
// connection fails (returns *ConnectionError). Every EVENT and CALLBACK frame
// is acknowledged before its payload is inspected. Accepted robot messages
// are passed to onMessage, which must not block.
func (s *StreamSession) Run(ctx context.Context, onMessage func(RawMessage)) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("stream session for account %q is already running", s.account.AccountID)
	}
	if s.onStateChange != nil {
		s.onStateChange(StateConnecting)
	}
	defer s.setState(StateDisconnected)

	if s.gateway == nil {
		return &ConnectionError{AccountID: s.account.AccountID, Phase: "open", Err: errors.New("gateway not configured")}
	}
	endpoint, err := s.gateway.OpenConnection(ctx, s.account)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &ConnectionError{AccountID: s.account.AccountID, Phase: "open", Err: err}
	}
	wsURL, err := endpointURL(endpoint)
	if err != nil {
		return &ConnectionError{AccountID: s.account.AccountID, Phase: "open", Err: err}
	}
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &ConnectionError{AccountID: s.account.AccountID, Phase: "dial", Err: err}
	}
	defer conn.Close()

	s.setState(StateConnected)
	s.logger.Info("stream connected")

	var cancelled atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			s.setState(StateDisconnecting)
			s.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			s.writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if cancelled.Load() || ctx.Err() != nil {
				s.logger.Info("stream closed")
				return nil
			}
			return &ConnectionError{AccountID: s.account.AccountID, Phase: "read", Err: err}
		}
		if stop := s.handleFrame(conn, data, onMessage); stop != nil {
			if cancelled.Load() {
				return nil
			}
			s.setState(StateDisconnecting)
			return stop
		}
	}
}

func endpointURL(ep StreamEndpoint) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ep.Endpoint))
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ticket", ep.Ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handleFrame processes one frame. A non-nil return ends the session.
func (s *StreamSession) handleFrame(conn *websocket.Conn, data []byte, onMessage func(RawMessage)) error {
	frame, err := decodeFrame(data)
	if err != nil {
		s.logger.Warn("stream frame dropped", slog.Any("error", err))
		return nil
	}
	switch strings.ToUpper(frame.Type) {
	case frameTypeSystem:
		return s.handleSystem(conn, frame)
	case frameTypeEvent, frameTypeCallback:
		if err := s.writeJSON(conn, deliveryAck(frame)); err != nil {
			s.logger.Warn("stream ack failed", slog.String("message_id", frame.MessageID()), slog.Any("error", err))
		}
		if frame.Topic() != TopicBotMessage {
			s.logger.Debug("stream frame ignored", slog.String("topic", frame.Topic()))
			return nil
		}
		s.handleBotMessage(frame, onMessage)
		return nil
	default:
		s.logger.Warn("stream frame dropped", slog.Any("error", &ProtocolError{Reason: "unknown frame type " + frame.Type}))
		return nil
	}
}

func (s *StreamSession) handleSystem(conn *websocket.Conn, frame Frame) error {
	switch frame.Topic() {
	case topicPing:
		if err := s.writeJSON(conn, pingAck(frame)); err != nil {
			s.logger.Warn("stream ping reply failed", slog.Any("error", err))
		}
		return nil
	case topicDisconnect:
		s.logger.Info("stream disconnect requested by gateway")
		return &ConnectionError{AccountID: s.account.AccountID, Phase: "read", Err: errors.New("gateway requested disconnect")}
	default:
		s.logger.Debug("stream system frame ignored", slog.String("topic", frame.Topic()))
		return nil
	}
}

func (s *StreamSession) handleBotMessage(frame Frame, onMessage func(RawMessage)) {
	msg, err := ParseRawMessage([]byte(frame.Data))
	if err != nil {
		var unsupported *UnsupportedMessageError
		if errors.As(err, &unsupported) {
			s.logger.Info("inbound ignored unsupported type", slog.String("msgtype", unsupported.MsgType))
			return
		}
		s.logger.Warn("inbound payload dropped", slog.String("message_id", frame.MessageID()), slog.Any("error", err))
		return
	}
	header := msg.Header()
	if reason := filterReason(header); reason != "" {
		s.logger.Info(
			"inbound ignored",
			slog.String("reason", reason),
			slog.String("msg_id", header.MsgID),
			slog.String("conversation_type", header.ConversationType),
		)
		return
	}
	s.logger.Info(
		"inbound received",
		slog.String("msg_id", header.MsgID),
		slog.String("msgtype", header.MsgType),
		slog.String("conversation_type", header.ConversationType),
		slog.String("sender", header.SenderKey()),
	)
	if onMessage != nil {
		onMessage(msg)
	}
}

// filterReason returns why a message is dropped, or "" to accept it.
func filterReason(h MessageHeader) string {
	chatType, ok := h.ChatType()
	if !ok {
		return "unsupported conversation type"
	}
	if chatType == channel.ChatTypeGroup && !h.IsInAtList {
		return "group message without mention"
	}
	return ""
}

func (s *StreamSession) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
