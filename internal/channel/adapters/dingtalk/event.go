package dingtalk

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// Message types carried by robot callbacks.
const (
	MsgTypeText    = "text"
	MsgTypePicture = "picture"
	MsgTypeFile    = "file"
	MsgTypeAudio   = "audio"
	MsgTypeVideo   = "video"
)

const (
	conversationTypeDirect = "1"
	conversationTypeGroup  = "2"
)

// MessageHeader carries the fields every robot message shares.
type MessageHeader struct {
	MsgType                   string  `json:"msgtype"`
	MsgID                     string  `json:"msgId"`
	ConversationID            string  `json:"conversationId"`
	ConversationType          string  `json:"conversationType"`
	ConversationTitle         string  `json:"conversationTitle"`
	SenderID                  string  `json:"senderId"`
	SenderStaffID             string  `json:"senderStaffId"`
	SenderNick                string  `json:"senderNick"`
	SenderCorpID              string  `json:"senderCorpId"`
	ChatbotUserID             string  `json:"chatbotUserId"`
	RobotCode                 string  `json:"robotCode"`
	IsInAtList                bool    `json:"isInAtList"`
	IsAdmin                   bool    `json:"isAdmin"`
	SessionWebhook            string  `json:"sessionWebhook"`
	SessionWebhookExpiredTime flexInt `json:"sessionWebhookExpiredTime"`
	CreateAt                  flexInt `json:"createAt"`
}

// Header returns the shared fields.
func (h MessageHeader) Header() MessageHeader { return h }

// ChatType maps the conversation type; ok is false for unknown values.
func (h MessageHeader) ChatType() (channel.ChatType, bool) {
	switch strings.TrimSpace(h.ConversationType) {
	case conversationTypeDirect:
		return channel.ChatTypeDirect, true
	case conversationTypeGroup:
		return channel.ChatTypeGroup, true
	default:
		return "", false
	}
}

// SenderKey prefers the staff id and falls back to the opaque sender id.
func (h MessageHeader) SenderKey() string {
	if id := strings.TrimSpace(h.SenderStaffID); id != "" {
		return id
	}
	return strings.TrimSpace(h.SenderID)
}

// ChatID is the conversation id for groups and the sender for direct chats.
func (h MessageHeader) ChatID() string {
	if chatType, _ := h.ChatType(); chatType == channel.ChatTypeGroup {
		return strings.TrimSpace(h.ConversationID)
	}
	if key := h.SenderKey(); key != "" {
		return key
	}
	return strings.TrimSpace(h.ConversationID)
}

// RawMessage is a parsed robot message. The concrete type is one of
// *TextMessage, *PictureMessage, *FileMessage, *AudioMessage or *VideoMessage.
type RawMessage interface {
	Header() MessageHeader
	rawMessage()
}

type TextMessage struct {
	MessageHeader
	Content string
}

type PictureMessage struct {
	MessageHeader
	DownloadCode string
}

type FileMessage struct {
	MessageHeader
	DownloadCode string
	FileName     string
}

type AudioMessage struct {
	MessageHeader
	DownloadCode string
	Duration     int64
	Recognition  string
}

type VideoMessage struct {
	MessageHeader
	DownloadCode string
	Duration     int64
	VideoType    string
}

func (*TextMessage) rawMessage()    {}
func (*PictureMessage) rawMessage() {}
func (*FileMessage) rawMessage()    {}
func (*AudioMessage) rawMessage()   {}
func (*VideoMessage) rawMessage()   {}

type wireMessage struct {
	MessageHeader
	Text *struct {
		Content string `json:"content"`
	} `json:"text"`
	Content json.RawMessage `json:"content"`
}

type wireContent struct {
	DownloadCode        string  `json:"downloadCode"`
	PictureDownloadCode string  `json:"pictureDownloadCode"`
	FileName            string  `json:"fileName"`
	Duration            flexInt `json:"duration"`
	Recognition         string  `json:"recognition"`
	VideoType           string  `json:"videoType"`
}

// ParseRawMessage decodes the data field of a robot callback. Unknown message
// types yield *UnsupportedMessageError, malformed payloads *ProtocolError.
func ParseRawMessage(data []byte) (RawMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &ProtocolError{Reason: "decode message", Err: err}
	}
	header := wire.MessageHeader
	header.MsgType = strings.TrimSpace(header.MsgType)
	var content wireContent
	if len(wire.Content) > 0 && !bytes.Equal(bytes.TrimSpace(wire.Content), []byte("null")) {
		if err := json.Unmarshal(wire.Content, &content); err != nil {
			return nil, &ProtocolError{Reason: "decode message content", Err: err}
		}
	}
	switch header.MsgType {
	case MsgTypeText:
		msg := &TextMessage{MessageHeader: header}
		if wire.Text != nil {
			msg.Content = wire.Text.Content
		}
		return msg, nil
	case MsgTypePicture:
		code := content.DownloadCode
		if code == "" {
			code = content.PictureDownloadCode
		}
		return &PictureMessage{MessageHeader: header, DownloadCode: code}, nil
	case MsgTypeFile:
		return &FileMessage{MessageHeader: header, DownloadCode: content.DownloadCode, FileName: content.FileName}, nil
	case MsgTypeAudio:
		return &AudioMessage{
			MessageHeader: header,
			DownloadCode:  content.DownloadCode,
			Duration:      int64(content.Duration),
			Recognition:   content.Recognition,
		}, nil
	case MsgTypeVideo:
		return &VideoMessage{
			MessageHeader: header,
			DownloadCode:  content.DownloadCode,
			Duration:      int64(content.Duration),
			VideoType:     content.VideoType,
		}, nil
	default:
		return nil, &UnsupportedMessageError{MsgType: header.MsgType}
	}
}

// flexInt accepts JSON numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" || raw == `""` {
		*f = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
