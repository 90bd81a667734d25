package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnectionStatus describes runtime status for one supervised account connection.
type ConnectionStatus struct {
	ConfigID    string      `json:"config_id"`
	Name        string      `json:"name,omitempty"`
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Manager supervises one connection per enabled account across registered
// adapters and routes inbound messages to the caller's handler. Connection
// lifecycle lives in connection.go.
type Manager struct {
	registry *Registry
	handler  InboundHandler
	logger   *slog.Logger

	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[string]*connectionEntry
	connectionMeta map[string]ConnectionStatus
}

// NewManager creates a Manager dispatching accepted messages to handler.
func NewManager(log *slog.Logger, registry *Registry, handler InboundHandler) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:       registry,
		handler:        handler,
		connections:    map[string]*connectionEntry{},
		connectionMeta: map[string]ConnectionStatus{},
		logger:         log.With(slog.String("component", "channel")),
	}
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		m.logger.Warn("adapter registration failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
		return
	}
	m.logger.Info("adapter registered", slog.String("channel", adapter.Type().String()))
}

// Start connects every enabled account reported by the registered adapters.
// ctx bounds only the config listing and connect calls; connections are
// detached from it and run until Shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.refresh(ctx)
}

// Shutdown stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("manager stop")
	m.stopAll(ctx)
	return nil
}

// ConnectionStatuses returns the observed status of every supervised account,
// sorted by channel type then account id.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for key, status := range m.connectionMeta {
		if entry := m.connections[key]; entry != nil && entry.connection != nil {
			status.Running = entry.connection.Running()
			if reporter, ok := entry.connection.(ErrorReporter); ok {
				if err := reporter.LastError(); err != nil {
					status.LastError = err.Error()
				} else if status.Running {
					status.LastError = ""
				}
			}
		}
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ChannelType == items[j].ChannelType {
			return items[i].ConfigID < items[j].ConfigID
		}
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}

func (m *Manager) handleInbound(ctx context.Context, msg NormalizedMessage, replier Replier) error {
	if m.handler == nil {
		return fmt.Errorf("inbound handler not configured")
	}
	return m.handler(ctx, msg, replier)
}

func connectionKey(channelType ChannelType, id string) string {
	return channelType.String() + "/" + id
}

func isStopNotSupported(err error) bool {
	return errors.Is(err, ErrStopNotSupported)
}
