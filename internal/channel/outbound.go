package channel

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// ToolStatusMarker is the status line the reply pipeline emits while tools run.
const ToolStatusMarker = "Tool execution."

// ReplyPolicy decides which reply units reach the platform.
type ReplyPolicy struct {
	// Kinds lists the reply kinds that are delivered. Empty means final only.
	Kinds []ReplyKind `json:"kinds,omitempty"`
	// Suppressed lists texts dropped after trimming.
	Suppressed []string `json:"suppressed,omitempty"`
}

// DefaultReplyPolicy delivers final replies only and drops the tool status marker.
func DefaultReplyPolicy() ReplyPolicy {
	return ReplyPolicy{
		Kinds:      []ReplyKind{ReplyKindFinal},
		Suppressed: []string{ToolStatusMarker},
	}
}

// Filter returns the text to deliver, or a skip reason when the reply is dropped.
func (p ReplyPolicy) Filter(reply Reply) (text string, skip string) {
	kinds := p.Kinds
	if len(kinds) == 0 {
		kinds = []ReplyKind{ReplyKindFinal}
	}
	if !slices.Contains(kinds, reply.Kind) {
		return "", "non-final"
	}
	trimmed := strings.TrimSpace(reply.Text)
	if slices.Contains(p.Suppressed, trimmed) {
		return "", "status marker"
	}
	if reply.Text == "" {
		return "", "empty"
	}
	return reply.Text, ""
}

// DeliverFunc sends text to the chat an inbound message came from.
type DeliverFunc func(ctx context.Context, text string) error

type policyReplier struct {
	logger  *slog.Logger
	policy  ReplyPolicy
	deliver DeliverFunc
}

// NewPolicyReplier wraps deliver with policy. Dropped replies return nil.
func NewPolicyReplier(log *slog.Logger, policy ReplyPolicy, deliver DeliverFunc) Replier {
	if log == nil {
		log = slog.Default()
	}
	return &policyReplier{logger: log, policy: policy, deliver: deliver}
}

func (r *policyReplier) Reply(ctx context.Context, reply Reply) error {
	text, skip := r.policy.Filter(reply)
	if skip != "" {
		r.logger.Debug("reply skipped", slog.String("kind", string(reply.Kind)), slog.String("reason", skip))
		return nil
	}
	if r.deliver == nil {
		return nil
	}
	return r.deliver(ctx, text)
}
