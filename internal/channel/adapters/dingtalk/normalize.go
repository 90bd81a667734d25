package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/media"
)

const (
	picturePlaceholder       = "[用户发送了一张图片]"
	pictureFailedPlaceholder = "[用户发送了一张图片，但下载失败]"
	unknownFileName          = "未知文件"

	mediaTypeJPEG   = "image/jpeg"
	mediaTypePDF    = "application/pdf"
	mediaTypePlain  = "text/plain"
	mediaTypeBinary = "application/octet-stream"
)

// MediaFetcher resolves a message download code into file bytes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, downloadCode string) ([]byte, error)
}

// Normalizer turns parsed robot messages into channel.NormalizedMessage.
// Downloaded media is written under ScratchDir and left for the caller.
type Normalizer struct {
	scratch *media.ScratchStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewNormalizer creates a Normalizer writing media to scratchDir, or to a
// dingbridge directory under the system temp dir when empty.
func NewNormalizer(log *slog.Logger, scratchDir string) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{
		scratch: media.NewScratchStore(scratchDir),
		logger:  log,
		now:     time.Now,
	}
}

// ScratchDir returns the directory media files are written to.
func (n *Normalizer) ScratchDir() string {
	return n.scratch.Dir()
}

// SessionKey derives the stable conversation key for a chat. The default
// account keeps the unprefixed form so existing conversation state survives
// when more accounts are added.
func SessionKey(account Account, chatID string) string {
	if account.Default || strings.TrimSpace(account.AccountID) == "" {
		return "dingtalk:" + chatID
	}
	return "dingtalk:" + account.AccountID + ":" + chatID
}

// Normalize never fails. Media download errors degrade to placeholder bodies.
func (n *Normalizer) Normalize(ctx context.Context, account Account, raw RawMessage, fetcher MediaFetcher) channel.NormalizedMessage {
	header := raw.Header()
	chatType, _ := header.ChatType()
	chatID := header.ChatID()
	msg := channel.NormalizedMessage{
		Channel:    Type,
		SenderID:   header.SenderKey(),
		SenderName: strings.TrimSpace(header.SenderNick),
		SessionKey: SessionKey(account, chatID),
		AccountID:  account.AccountID,
		MessageID:  header.MsgID,
		ChatType:   chatType,
		ChatID:     chatID,
		ReceivedAt: n.receivedAt(header),
	}
	log := n.logger.With(
		slog.String("account_id", account.AccountID),
		slog.String("msg_id", header.MsgID),
	)

	switch m := raw.(type) {
	case *TextMessage:
		msg.Body = m.Content
	case *PictureMessage:
		path, err := n.store(ctx, fetcher, m.DownloadCode, ".jpg")
		if err != nil {
			log.Warn("picture download failed", slog.Any("error", err))
			msg.Body = pictureFailedPlaceholder
			break
		}
		msg.Body = picturePlaceholder
		msg.MediaPath = path
		msg.MediaType = mediaTypeJPEG
	case *FileMessage:
		name := strings.TrimSpace(m.FileName)
		if name == "" {
			name = unknownFileName
		}
		ext := filepath.Ext(name)
		if ext == "" {
			ext = ".bin"
		}
		path, err := n.store(ctx, fetcher, m.DownloadCode, ext)
		if err != nil {
			log.Warn("file download failed", slog.String("file_name", name), slog.Any("error", err))
			msg.Body = fmt.Sprintf("[用户发送了文件: %s，但下载失败]", name)
			break
		}
		msg.Body = fmt.Sprintf("[用户发送了文件: %s]", name)
		msg.MediaPath = path
		msg.MediaType = mediaTypeForExt(ext)
	case *AudioMessage:
		msg.Body = audioBody(m)
	case *VideoMessage:
		msg.Body = videoBody(m)
	}
	return msg
}

func (n *Normalizer) receivedAt(h MessageHeader) time.Time {
	if h.CreateAt > 0 {
		return time.UnixMilli(int64(h.CreateAt)).UTC()
	}
	return n.now().UTC()
}

// store downloads one media item into the scratch directory.
func (n *Normalizer) store(ctx context.Context, fetcher MediaFetcher, downloadCode, ext string) (string, error) {
	if fetcher == nil {
		return "", &MediaFetchError{Op: "download", Err: fmt.Errorf("media fetcher not configured")}
	}
	data, err := fetcher.FetchMedia(ctx, downloadCode)
	if err != nil {
		return "", err
	}
	path, err := n.scratch.Put(ctx, ext, data)
	if err != nil {
		return "", &MediaFetchError{Op: "store", Err: err}
	}
	return path, nil
}

func mediaTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return mediaTypePDF
	case ".txt", ".md":
		return mediaTypePlain
	default:
		return mediaTypeBinary
	}
}

func audioBody(m *AudioMessage) string {
	if text := strings.TrimSpace(m.Recognition); text != "" {
		return text
	}
	if m.Duration > 0 {
		return fmt.Sprintf("[用户发送了语音消息, 时长: %d秒]", m.Duration)
	}
	return "[用户发送了语音消息]"
}

func videoBody(m *VideoMessage) string {
	var b strings.Builder
	b.WriteString("[用户发送了视频消息")
	if m.Duration > 0 {
		fmt.Fprintf(&b, ", 时长: %d秒", m.Duration)
	}
	if format := strings.TrimSpace(m.VideoType); format != "" {
		b.WriteString(", 格式: ")
		b.WriteString(format)
	}
	b.WriteString("]")
	return b.String()
}
