package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/time/rate"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

const (
	replyTitle = "回复"

	msgKeyMarkdown = "sampleMarkdown"
	msgKeyText     = "sampleText"
)

// Target is where a reply goes. It is captured from the inbound message, so
// the delivery path follows the chat the message came from.
type Target struct {
	ChatType       channel.ChatType
	UserID         string
	SessionWebhook string
}

// TargetFor builds the reply target of a parsed message.
func TargetFor(h MessageHeader) Target {
	chatType, _ := h.ChatType()
	return Target{
		ChatType:       chatType,
		UserID:         h.SenderKey(),
		SessionWebhook: strings.TrimSpace(h.SessionWebhook),
	}
}

type webhookPoster interface {
	PostWebhook(ctx context.Context, webhookURL string, payload any) error
}

type batchSender interface {
	BatchSend(ctx context.Context, userIDs []string, msgKey string, msgParam any) (BatchSendResponse, error)
}

type markdownParam struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type textParam struct {
	Content string `json:"content"`
}

type webhookMarkdown struct {
	MsgType  string        `json:"msgtype"`
	Markdown markdownParam `json:"markdown"`
}

// Dispatcher sends replies for one account. Group messages that carry a
// session webhook are answered through it; everything else goes through the
// batch send API.
type Dispatcher struct {
	webhooks webhookPoster
	robot    batchSender
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. sendQPS caps batch send calls per
// second; zero or negative disables the limit.
func NewDispatcher(log *slog.Logger, webhooks webhookPoster, robot batchSender, sendQPS float64) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if sendQPS > 0 {
		burst := int(sendQPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(sendQPS), burst)
	}
	return &Dispatcher{
		webhooks: webhooks,
		robot:    robot,
		limiter:  limiter,
		logger:   log,
	}
}

// Deliver sends text to target as markdown. Empty text is a no-op.
func (d *Dispatcher) Deliver(ctx context.Context, target Target, text string) error {
	if text == "" {
		return nil
	}
	if target.ChatType == channel.ChatTypeGroup && target.SessionWebhook != "" {
		if d.webhooks == nil {
			return &DeliveryError{Op: "webhook reply", Body: "webhook client not configured"}
		}
		err := d.webhooks.PostWebhook(ctx, target.SessionWebhook, webhookMarkdown{
			MsgType:  "markdown",
			Markdown: markdownParam{Title: replyTitle, Text: text},
		})
		if err != nil {
			return err
		}
		d.logger.Info("reply sent", slog.String("path", "webhook"), slog.Int("length", len(text)))
		return nil
	}
	if err := d.send(ctx, target.UserID, msgKeyMarkdown, markdownParam{Title: replyTitle, Text: text}); err != nil {
		return err
	}
	d.logger.Info("reply sent", slog.String("path", "batch_send"), slog.String("user_id", target.UserID), slog.Int("length", len(text)))
	return nil
}

// SendMarkdown sends a markdown message to one user.
func (d *Dispatcher) SendMarkdown(ctx context.Context, userID, title, text string) error {
	if strings.TrimSpace(title) == "" {
		title = replyTitle
	}
	return d.send(ctx, userID, msgKeyMarkdown, markdownParam{Title: title, Text: text})
}

// SendText sends a plain text message to one user.
func (d *Dispatcher) SendText(ctx context.Context, userID, content string) error {
	return d.send(ctx, userID, msgKeyText, textParam{Content: content})
}

func (d *Dispatcher) send(ctx context.Context, userID, msgKey string, param any) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &DeliveryError{Op: "batch send", Body: "recipient user id is empty"}
	}
	if d.robot == nil {
		return &DeliveryError{Op: "batch send", Body: "robot client not configured"}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Op: "batch send", Err: err}
	}
	resp, err := d.robot.BatchSend(ctx, []string{userID}, msgKey, param)
	if err != nil {
		return err
	}
	if slices.Contains(resp.InvalidStaffIDList, userID) {
		return &DeliveryError{Op: "batch send", Body: fmt.Sprintf("recipient %s rejected as invalid", userID)}
	}
	if slices.Contains(resp.FlowControlledStaffIDList, userID) {
		return &DeliveryError{Op: "batch send", Body: fmt.Sprintf("recipient %s is flow controlled", userID)}
	}
	return nil
}
