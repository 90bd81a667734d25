package channel

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrAdapterExists is returned when a channel type is registered twice.
	ErrAdapterExists = errors.New("adapter already registered")
	// ErrInvalidAdapter is returned for nil adapters or blank channel types.
	ErrInvalidAdapter = errors.New("invalid adapter")
)

// Registry maps channel types to adapters. Types are normalized on every
// lookup, so " DingTalk " and "dingtalk" name the same adapter.
type Registry struct {
	mu     sync.RWMutex
	byType map[ChannelType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[ChannelType]Adapter)}
}

func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAdapter)
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("%w: empty channel type", ErrInvalidAdapter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byType[ct]; taken {
		return fmt.Errorf("%w: %s", ErrAdapterExists, ct)
	}
	r.byType[ct] = adapter
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Unregister reports whether channelType was registered.
func (r *Registry) Unregister(channelType ChannelType) bool {
	ct := normalizeChannelType(channelType.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[ct]; !ok {
		return false
	}
	delete(r.byType, ct)
	return true
}

func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.byType[normalizeChannelType(channelType.String())]
	return adapter, ok
}

// GetReceiver returns the adapter when it can hold inbound connections.
func (r *Registry) GetReceiver(channelType ChannelType) (Receiver, bool) {
	return lookupAs[Receiver](r, channelType)
}

// GetConfigLister returns the adapter when it can enumerate its accounts.
func (r *Registry) GetConfigLister(channelType ChannelType) (ConfigLister, bool) {
	return lookupAs[ConfigLister](r, channelType)
}

// Types returns the registered channel types in lexical order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byType))
}

func lookupAs[T any](r *Registry, channelType ChannelType) (T, bool) {
	var zero T
	adapter, ok := r.Get(channelType)
	if !ok {
		return zero, false
	}
	typed, ok := adapter.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
