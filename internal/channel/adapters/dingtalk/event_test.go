package dingtalk

import (
	"errors"
	"testing"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

func TestParseRawMessageText(t *testing.T) {
	t.Parallel()

	msg, err := ParseRawMessage([]byte(`{
		"msgtype":"text",
		"msgId":"m1",
		"text":{"content":"hi"},
		"senderStaffId":"u1",
		"senderNick":"Alice",
		"conversationType":"1",
		"conversationId":"cid",
		"createAt":1700000000000
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, ok := msg.(*TextMessage)
	if !ok {
		t.Fatalf("expected *TextMessage, got %T", msg)
	}
	if text.Content != "hi" || text.MsgID != "m1" || text.SenderNick != "Alice" {
		t.Fatalf("unexpected message: %+v", text)
	}
	if int64(text.CreateAt) != 1700000000000 {
		t.Fatalf("unexpected createAt: %d", text.CreateAt)
	}
}

func TestParseRawMessageMediaVariants(t *testing.T) {
	t.Parallel()

	picture, err := ParseRawMessage([]byte(`{"msgtype":"picture","content":{"pictureDownloadCode":"pc"}}`))
	if err != nil {
		t.Fatalf("picture: %v", err)
	}
	if p := picture.(*PictureMessage); p.DownloadCode != "pc" {
		t.Fatalf("picture code fallback failed: %+v", p)
	}

	file, err := ParseRawMessage([]byte(`{"msgtype":"file","content":{"downloadCode":"fc","fileName":"a.pdf"}}`))
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f := file.(*FileMessage); f.DownloadCode != "fc" || f.FileName != "a.pdf" {
		t.Fatalf("unexpected file: %+v", f)
	}

	audio, err := ParseRawMessage([]byte(`{"msgtype":"audio","content":{"duration":"4","recognition":" hello "}}`))
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	if a := audio.(*AudioMessage); a.Duration != 4 || a.Recognition != " hello " {
		t.Fatalf("unexpected audio: %+v", a)
	}

	video, err := ParseRawMessage([]byte(`{"msgtype":"video","conversationType":"2","isInAtList":true,"content":{"duration":12,"videoType":"mp4"}}`))
	if err != nil {
		t.Fatalf("video: %v", err)
	}
	if v := video.(*VideoMessage); v.Duration != 12 || v.VideoType != "mp4" || !v.IsInAtList {
		t.Fatalf("unexpected video: %+v", v)
	}
}

func TestParseRawMessageUnsupported(t *testing.T) {
	t.Parallel()

	_, err := ParseRawMessage([]byte(`{"msgtype":"richText"}`))
	var unsupported *UnsupportedMessageError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedMessageError, got %v", err)
	}
	if unsupported.MsgType != "richText" || !errors.Is(err, ErrProtocol) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRawMessageMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{"msgtype":"picture","content":"oops"}`} {
		_, err := ParseRawMessage([]byte(raw))
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("%q: expected ProtocolError, got %v", raw, err)
		}
	}
}

func TestMessageHeaderChatDerivation(t *testing.T) {
	t.Parallel()

	direct := MessageHeader{ConversationType: "1", ConversationID: "cid", SenderID: "$:opaque"}
	if ct, ok := direct.ChatType(); !ok || ct != channel.ChatTypeDirect {
		t.Fatalf("unexpected direct chat type: %v %v", ct, ok)
	}
	if direct.ChatID() != "$:opaque" {
		t.Fatalf("direct chat should fall back to sender id, got %q", direct.ChatID())
	}

	group := MessageHeader{ConversationType: "2", ConversationID: "cid", SenderStaffID: "u1"}
	if group.ChatID() != "cid" {
		t.Fatalf("group chat id should be the conversation id, got %q", group.ChatID())
	}

	if _, ok := (MessageHeader{ConversationType: "3"}).ChatType(); ok {
		t.Fatal("unknown conversation type should not map")
	}
}

func TestFrameHeadersGet(t *testing.T) {
	t.Parallel()

	f, err := decodeFrame([]byte(`{"type":"CALLBACK","headers":{"messageId":"abc","time":1700000000000,"topic":" /v1.0/im/bot/messages/get "},"data":"{}"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.MessageID() != "abc" || f.Topic() != TopicBotMessage {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Headers.Get("time") != "1700000000000" {
		t.Fatalf("numeric header not rendered: %q", f.Headers.Get("time"))
	}
	if f.Headers.Get("missing") != "" {
		t.Fatal("missing header should be empty")
	}
	if _, err := decodeFrame([]byte(`{"headers":{}}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("frame without type should be a protocol error, got %v", err)
	}
}
