package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// NewEchoHandler answers every message with its own body. It stands in for
// the reply pipeline when no relay is configured.
func NewEchoHandler(log *slog.Logger) channel.InboundHandler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("handler", "echo"))
	return func(ctx context.Context, msg channel.NormalizedMessage, replier channel.Replier) error {
		text := strings.TrimSpace(msg.Body)
		if text == "" {
			return nil
		}
		if msg.HasMedia() {
			text += "\n\n(" + msg.MediaType + ")"
		}
		log.Info("echo reply", slog.String("session_key", msg.SessionKey), slog.String("message_id", msg.MessageID))
		return replier.Reply(ctx, channel.Reply{Kind: channel.ReplyKindFinal, Text: text})
	}
}
