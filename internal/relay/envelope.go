// Package relay carries normalized inbound messages to an external reply
// pipeline over AMQP and routes the pipeline's replies back to DingTalk.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

const (
	// InboundEventType labels published inbound messages.
	InboundEventType = "dingtalk.inbound.v1"
	// ReplyEventType labels reply envelopes consumed from the pipeline.
	ReplyEventType = "dingtalk.reply.v1"

	producerName = "dingbridge"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. dingtalk.inbound.v1
	Type string `json:"type"`
}

type Envelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// ReplyData is one reply unit addressed to an inbound message.
type ReplyData struct {
	MessageID string            `json:"message_id"`
	Kind      channel.ReplyKind `json:"kind"`
	Text      string            `json:"text"`
}

// NewInboundEnvelope wraps msg for publishing. The correlation id is the
// routing key replies must echo back as data.message_id.
func NewInboundEnvelope(msg channel.NormalizedMessage, correlationID string, now time.Time) Envelope[channel.NormalizedMessage] {
	return Envelope[channel.NormalizedMessage]{
		Meta: Meta{
			CorrelationID: correlationID,
			ID:            uuid.NewString(),
			Producer:      producerName,
			Time:          now.UTC(),
			Type:          InboundEventType,
		},
		Data: msg,
	}
}
