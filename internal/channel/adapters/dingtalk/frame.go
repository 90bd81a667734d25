package dingtalk

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	frameTypeSystem   = "SYSTEM"
	frameTypeEvent    = "EVENT"
	frameTypeCallback = "CALLBACK"

	topicPing       = "ping"
	topicDisconnect = "disconnect"

	// TopicBotMessage is the callback topic carrying robot chat messages.
	TopicBotMessage = "/v1.0/im/bot/messages/get"
)

// FrameHeaders holds stream frame headers. Values are kept loosely typed so
// unknown or numeric headers can be echoed back unchanged.
type FrameHeaders map[string]any

// Get returns the header as a string, or "" when absent.
func (h FrameHeaders) Get(key string) string {
	v, ok := h[key]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return fmt.Sprint(value)
	}
}

// Frame is one downstream stream-mode message. Data is itself a JSON document
// encoded as a string.
type Frame struct {
	SpecVersion string       `json:"specVersion"`
	Type        string       `json:"type"`
	Headers     FrameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

// Topic returns the frame topic.
func (f Frame) Topic() string {
	return strings.TrimSpace(f.Headers.Get("topic"))
}

// MessageID returns the id the acknowledgement must echo.
func (f Frame) MessageID() string {
	return f.Headers.Get("messageId")
}

type ackFrame struct {
	Code    int            `json:"code"`
	Headers map[string]any `json:"headers"`
	Message string         `json:"message"`
	Data    string         `json:"data"`
}

const callbackAckData = `{"status":"SUCCESS","message":"OK"}`

func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &ProtocolError{Reason: "decode frame", Err: err}
	}
	if strings.TrimSpace(f.Type) == "" {
		return Frame{}, &ProtocolError{Reason: "frame has no type"}
	}
	return f, nil
}

// pingAck echoes a SYSTEM ping back to the gateway.
func pingAck(f Frame) ackFrame {
	headers := map[string]any{}
	for k, v := range f.Headers {
		headers[k] = v
	}
	return ackFrame{Code: 200, Headers: headers, Message: "OK", Data: f.Data}
}

// deliveryAck tells the gateway an EVENT or CALLBACK frame was received so
// it is not redelivered.
func deliveryAck(f Frame) ackFrame {
	return ackFrame{
		Code: 200,
		Headers: map[string]any{
			"contentType": "application/json",
			"messageId":   f.MessageID(),
		},
		Message: "OK",
		Data:    callbackAckData,
	}
}
