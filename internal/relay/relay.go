package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/config"
)

// ErrPoison marks a reply body that can never be processed.
var ErrPoison = errors.New("poison message")

// ErrUnknownMessage is returned for replies whose message is not (or no
// longer) tracked.
var ErrUnknownMessage = errors.New("reply for unknown message")

// Publisher is the publishing half of an AMQP channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Relay publishes inbound messages and routes consumed replies to the
// Replier captured when the message was published.
type Relay struct {
	cfg    config.RelayConfig
	logger *slog.Logger
	store  *ReplierStore
	now    func() time.Time

	pubMu sync.Mutex
	pub   Publisher

	conn *amqp.Connection
}

// New creates a Relay publishing through pub. Dial is the usual constructor;
// New is used when the channel is managed elsewhere.
func New(log *slog.Logger, cfg config.RelayConfig, pub Publisher) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		cfg:    withDefaults(cfg),
		logger: log.With(slog.String("component", "relay")),
		store:  NewReplierStore(cfg.ReplyTTLDuration()),
		now:    time.Now,
		pub:    pub,
	}
}

func withDefaults(cfg config.RelayConfig) config.RelayConfig {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = config.DefaultRelayExchange
	}
	if strings.TrimSpace(cfg.InboundKey) == "" {
		cfg.InboundKey = config.DefaultRelayInbound
	}
	if strings.TrimSpace(cfg.ReplyKey) == "" {
		cfg.ReplyKey = config.DefaultRelayReplyKey
	}
	if strings.TrimSpace(cfg.ReplyQueue) == "" {
		cfg.ReplyQueue = config.DefaultRelayQueue
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 16
	}
	if cfg.ConsumerWorkers <= 0 {
		cfg.ConsumerWorkers = 4
	}
	return cfg
}

// Dial connects to the broker and declares the relay exchange.
func Dial(ctx context.Context, log *slog.Logger, cfg config.RelayConfig) (*Relay, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("relay url is empty")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	r := New(log, cfg, ch)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	r.conn = conn
	r.logger.Info("relay connected", slog.String("exchange", r.cfg.Exchange))
	return r, nil
}

// Store exposes the pending replier store.
func (r *Relay) Store() *ReplierStore {
	return r.store
}

// Handle is a channel.InboundHandler: it remembers replier and publishes msg.
func (r *Relay) Handle(ctx context.Context, msg channel.NormalizedMessage, replier channel.Replier) error {
	correlationID := strings.TrimSpace(msg.MessageID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	env := NewInboundEnvelope(msg, correlationID, r.now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	r.store.Put(correlationID, replier)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if r.pub == nil {
		return fmt.Errorf("relay publisher not configured")
	}
	err = r.pub.PublishWithContext(ctx, r.cfg.Exchange, r.cfg.InboundKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         producerName,
	})
	if err != nil {
		return fmt.Errorf("publish inbound: %w", err)
	}
	r.logger.Debug("inbound relayed", slog.String("message_id", correlationID), slog.String("session_key", msg.SessionKey))
	return nil
}

// HandleReply routes one reply body. Undecodable bodies yield ErrPoison.
func (r *Relay) HandleReply(ctx context.Context, body []byte) error {
	var env Envelope[ReplyData]
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	id := strings.TrimSpace(env.Data.MessageID)
	if id == "" {
		id = strings.TrimSpace(env.Meta.CorrelationID)
	}
	if id == "" {
		return fmt.Errorf("%w: reply has no message id", ErrPoison)
	}
	replier, ok := r.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	kind := env.Data.Kind
	if kind == "" {
		kind = channel.ReplyKindFinal
	}
	return replier.Reply(ctx, channel.Reply{Kind: kind, Text: env.Data.Text})
}

// Consume declares the reply queue and routes replies until ctx ends. Every
// delivery is acked: replies are not retried.
func (r *Relay) Consume(ctx context.Context) error {
	if r.conn == nil {
		return fmt.Errorf("relay is not connected")
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(r.cfg.ReplyQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(r.cfg.ReplyQueue, r.cfg.ReplyKey, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(r.cfg.ReplyQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	r.logger.Info("consumer started", slog.String("queue", r.cfg.ReplyQueue), slog.Int("prefetch", r.cfg.PrefetchCount))

	var wg sync.WaitGroup
	closed := make(chan struct{})
	var closeOnce sync.Once
	for i := 0; i < r.cfg.ConsumerWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						closeOnce.Do(func() { close(closed) })
						return
					}
					r.process(ctx, d)
				}
			}
		}()
	}

	sweep := time.NewTicker(sweepInterval(r.cfg.ReplyTTLDuration()))
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			wg.Wait()
			return nil
		case <-closed:
			wg.Wait()
			return fmt.Errorf("reply delivery channel closed")
		case <-sweep.C:
			if n := r.store.Sweep(); n > 0 {
				r.logger.Debug("expired repliers dropped", slog.Int("count", n))
			}
		}
	}
}

func (r *Relay) process(ctx context.Context, d amqp.Delivery) {
	err := r.HandleReply(ctx, d.Body)
	switch {
	case errors.Is(err, ErrPoison):
		r.logger.Warn("reply dropped", slog.String("delivery_id", d.MessageId), slog.Any("error", err))
	case errors.Is(err, ErrUnknownMessage):
		r.logger.Warn("reply for untracked message", slog.Any("error", err))
	case err != nil:
		r.logger.Error("reply delivery failed", slog.String("delivery_id", d.MessageId), slog.Any("error", err))
	}
	_ = d.Ack(false)
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Close closes the broker connection.
func (r *Relay) Close() error {
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}
