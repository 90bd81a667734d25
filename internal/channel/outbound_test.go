package channel

import (
	"context"
	"errors"
	"testing"
)

func TestReplyPolicyFilter(t *testing.T) {
	t.Parallel()

	policy := DefaultReplyPolicy()
	cases := []struct {
		name     string
		reply    Reply
		wantText string
		wantSkip bool
	}{
		{name: "final", reply: Reply{Kind: ReplyKindFinal, Text: "done"}, wantText: "done"},
		{name: "block", reply: Reply{Kind: ReplyKindBlock, Text: "partial"}, wantSkip: true},
		{name: "tool", reply: Reply{Kind: ReplyKindTool, Text: "x"}, wantSkip: true},
		{name: "marker", reply: Reply{Kind: ReplyKindFinal, Text: "Tool execution."}, wantSkip: true},
		{name: "marker padded", reply: Reply{Kind: ReplyKindFinal, Text: "  Tool execution.\n"}, wantSkip: true},
		{name: "empty", reply: Reply{Kind: ReplyKindFinal}, wantSkip: true},
		{name: "whitespace kept", reply: Reply{Kind: ReplyKindFinal, Text: " hi "}, wantText: " hi "},
	}
	for _, tc := range cases {
		text, skip := policy.Filter(tc.reply)
		if (skip != "") != tc.wantSkip {
			t.Fatalf("%s: skip=%q wantSkip=%v", tc.name, skip, tc.wantSkip)
		}
		if text != tc.wantText {
			t.Fatalf("%s: text=%q want=%q", tc.name, text, tc.wantText)
		}
	}
}

func TestReplyPolicyZeroValueIsFinalOnly(t *testing.T) {
	t.Parallel()

	var policy ReplyPolicy
	if _, skip := policy.Filter(Reply{Kind: ReplyKindProgress, Text: "x"}); skip == "" {
		t.Fatal("zero policy should drop non-final replies")
	}
	if text, skip := policy.Filter(Reply{Kind: ReplyKindFinal, Text: "Tool execution."}); skip != "" || text == "" {
		t.Fatalf("zero policy has no suppressed texts, got skip=%q", skip)
	}
}

func TestPolicyReplierDelivers(t *testing.T) {
	t.Parallel()

	var got []string
	replier := NewPolicyReplier(nil, DefaultReplyPolicy(), func(_ context.Context, text string) error {
		got = append(got, text)
		return nil
	})
	ctx := context.Background()
	for _, r := range []Reply{
		{Kind: ReplyKindBlock, Text: "a"},
		{Kind: ReplyKindFinal, Text: "Tool execution."},
		{Kind: ReplyKindFinal, Text: ""},
		{Kind: ReplyKindFinal, Text: "answer"},
	} {
		if err := replier.Reply(ctx, r); err != nil {
			t.Fatalf("reply %v: %v", r, err)
		}
	}
	if len(got) != 1 || got[0] != "answer" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestPolicyReplierPropagatesDeliveryError(t *testing.T) {
	t.Parallel()

	want := errors.New("send failed")
	replier := NewPolicyReplier(nil, DefaultReplyPolicy(), func(context.Context, string) error { return want })
	if err := replier.Reply(context.Background(), Reply{Kind: ReplyKindFinal, Text: "x"}); !errors.Is(err, want) {
		t.Fatalf("expected delivery error, got %v", err)
	}
}
