package channel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

const testChannelType = channel.ChannelType("test")

type plainAdapter struct {
	channelType channel.ChannelType
}

func (a *plainAdapter) Type() channel.ChannelType { return a.channelType }

type receiverAdapter struct {
	plainAdapter
}

func (a *receiverAdapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	return channel.NewConnection(cfg, func(context.Context) error { return nil }), nil
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	if err := reg.Register(&plainAdapter{channelType: testChannelType}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&plainAdapter{channelType: " TEST "}); !errors.Is(err, channel.ErrAdapterExists) {
		t.Fatalf("duplicate registration: got %v, want ErrAdapterExists", err)
	}
}

func TestRegistryRegisterRejectsEmpty(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	if err := reg.Register(nil); !errors.Is(err, channel.ErrInvalidAdapter) {
		t.Fatalf("nil adapter: got %v", err)
	}
	if err := reg.Register(&plainAdapter{channelType: "  "}); !errors.Is(err, channel.ErrInvalidAdapter) {
		t.Fatalf("empty type: got %v", err)
	}
}

func TestRegistryGetReceiver(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&plainAdapter{channelType: "plain"})
	reg.MustRegister(&receiverAdapter{plainAdapter{channelType: testChannelType}})

	if r, ok := reg.GetReceiver("plain"); ok || r != nil {
		t.Fatalf("GetReceiver(plain) = (%v, %v), want (nil, false)", r, ok)
	}
	if r, ok := reg.GetReceiver(testChannelType); !ok || r == nil {
		t.Fatalf("GetReceiver(test) = (%v, %v), want receiver", r, ok)
	}
	if _, ok := reg.GetReceiver("unknown"); ok {
		t.Fatal("unknown type should not resolve")
	}
}

type listerAdapter struct {
	plainAdapter
}

func (a *listerAdapter) ListConfigs(ctx context.Context) ([]channel.ChannelConfig, error) {
	return []channel.ChannelConfig{{ID: "default"}}, nil
}

func TestRegistryGetConfigLister(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&plainAdapter{channelType: "plain"})
	reg.MustRegister(&listerAdapter{plainAdapter{channelType: "Listed"}})

	if _, ok := reg.GetConfigLister("plain"); ok {
		t.Fatal("plain adapter must not resolve as a lister")
	}
	lister, ok := reg.GetConfigLister(" listed ")
	if !ok {
		t.Fatal("expected lister lookup to normalize the type")
	}
	configs, err := lister.ListConfigs(context.Background())
	if err != nil || len(configs) != 1 {
		t.Fatalf("ListConfigs = (%v, %v)", configs, err)
	}
}

func TestRegistryTypesSortedAndUnregister(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&plainAdapter{channelType: "zeta"})
	reg.MustRegister(&plainAdapter{channelType: "alpha"})

	types := reg.Types()
	if len(types) != 2 || types[0] != "alpha" || types[1] != "zeta" {
		t.Fatalf("unexpected types: %v", types)
	}
	if !reg.Unregister("zeta") {
		t.Fatal("expected unregister to succeed")
	}
	if reg.Unregister("zeta") {
		t.Fatal("second unregister should report false")
	}
}
