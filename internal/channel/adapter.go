package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is the caller-supplied callback invoked for every accepted
// inbound message. The Replier is bound to the message's chat.
type InboundHandler func(ctx context.Context, msg NormalizedMessage, replier Replier) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error)
}

// ConfigLister lists the account connections an adapter wants supervised.
type ConfigLister interface {
	ListConfigs(ctx context.Context) ([]ChannelConfig, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ConfigID() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// ErrorReporter is implemented by connections that remember the last failure
// of their underlying session.
type ErrorReporter interface {
	LastError() error
}

// BaseConnection is a default Connection implementation backed by a stop function.
// Adapters flip Running and record errors as their session comes and goes.
type BaseConnection struct {
	configID    string
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg ChannelConfig, stop func(ctx context.Context) error) *BaseConnection {
	return &BaseConnection{
		configID:    cfg.ID,
		channelType: cfg.ChannelType,
		stop:        stop,
	}
}

// ConfigID returns the account identifier served by this connection.
func (c *BaseConnection) ConfigID() string {
	return c.configID
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the session is currently connected.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

// SetRunning records the session's connected state.
func (c *BaseConnection) SetRunning(running bool) {
	c.running.Store(running)
}

// SetLastError records the most recent session failure; nil clears it.
func (c *BaseConnection) SetLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// LastError returns the most recent session failure.
func (c *BaseConnection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
