// Package channel defines the platform-neutral side of the bridge: the message
// shape handed to the reply pipeline, the adapter seam, connection supervision
// and the inbound work queue.
package channel

import (
	"context"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "dingtalk").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// NormalizedMessage is the canonical inbound message consumed by the reply
// pipeline. It is built once per platform event and never mutated afterwards.
type NormalizedMessage struct {
	Channel    ChannelType `json:"channel"`
	Body       string      `json:"body"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	SessionKey string      `json:"session_key"`
	AccountID  string      `json:"account_id"`
	MessageID  string      `json:"message_id"`
	ChatType   ChatType    `json:"chat_type"`
	ChatID     string      `json:"chat_id"`
	MediaPath  string      `json:"media_path,omitempty"`
	MediaType  string      `json:"media_type,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// HasMedia reports whether a downloaded media file accompanies the message.
func (m NormalizedMessage) HasMedia() bool {
	return strings.TrimSpace(m.MediaPath) != ""
}

// ReplyKind labels a unit produced by the reply pipeline.
type ReplyKind string

const (
	ReplyKindFinal    ReplyKind = "final"
	ReplyKindBlock    ReplyKind = "block"
	ReplyKindTool     ReplyKind = "tool"
	ReplyKindProgress ReplyKind = "progress"
)

// Reply is one unit emitted by the reply pipeline for an inbound message.
type Reply struct {
	Kind ReplyKind `json:"kind"`
	Text string    `json:"text"`
}

// Replier delivers replies for the inbound message it was created for.
type Replier interface {
	Reply(ctx context.Context, reply Reply) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, reply Reply) error

// Reply calls f.
func (f ReplierFunc) Reply(ctx context.Context, reply Reply) error {
	return f(ctx, reply)
}

// ChannelConfig identifies one account connection managed by the Manager.
type ChannelConfig struct {
	ID          string
	Name        string
	ChannelType ChannelType
	Disabled    bool
}
