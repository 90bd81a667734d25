package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type connectionEntry struct {
	config     ChannelConfig
	connection Connection
}

func (m *Manager) refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	configs := make([]ChannelConfig, 0)
	for _, channelType := range m.registry.Types() {
		lister, ok := m.registry.GetConfigLister(channelType)
		if !ok {
			continue
		}
		items, err := lister.ListConfigs(ctx)
		if err != nil {
			m.logger.Error("list configs failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			continue
		}
		for _, item := range items {
			if item.ChannelType == "" {
				item.ChannelType = channelType
			}
			configs = append(configs, item)
		}
	}
	m.reconcile(ctx, configs)
}

func (m *Manager) reconcile(ctx context.Context, configs []ChannelConfig) {
	active := map[string]struct{}{}
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Disabled {
			continue
		}
		active[connectionKey(cfg.ChannelType, cfg.ID)] = struct{}{}
		if err := m.ensureConnection(ctx, cfg); err != nil {
			m.logger.Error(
				"adapter start failed",
				slog.String("channel", cfg.ChannelType.String()),
				slog.String("account_id", cfg.ID),
				slog.Any("error", err),
			)
		}
	}

	m.mu.Lock()
	stale := make([]*connectionEntry, 0)
	for key, entry := range m.connections {
		if _, ok := active[key]; ok {
			continue
		}
		stale = append(stale, entry)
		delete(m.connections, key)
		delete(m.connectionMeta, key)
	}
	m.mu.Unlock()
	for _, entry := range stale {
		m.stopEntry(ctx, entry, "adapter stop")
	}
}

func (m *Manager) ensureConnection(ctx context.Context, cfg ChannelConfig) error {
	key := connectionKey(cfg.ChannelType, cfg.ID)
	receiver, ok := m.registry.GetReceiver(cfg.ChannelType)
	if !ok {
		err := fmt.Errorf("receiver not available")
		m.markConnectionStatus(cfg, false, err)
		return err
	}

	m.mu.Lock()
	if existing := m.connections[key]; existing != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.logger.Info(
		"adapter start",
		slog.String("channel", cfg.ChannelType.String()),
		slog.String("account_id", cfg.ID),
	)
	connectCtx := context.Background()
	if ctx != nil {
		// Decouple long-lived connections from short-lived start contexts.
		connectCtx = context.WithoutCancel(ctx)
	}
	conn, err := receiver.Connect(connectCtx, cfg, m.handleInbound)
	if err != nil {
		m.markConnectionStatus(cfg, false, err)
		return err
	}

	m.mu.Lock()
	// Another caller may have raced us; keep the first connection.
	if existing := m.connections[key]; existing != nil {
		m.mu.Unlock()
		_ = conn.Stop(context.Background())
		return nil
	}
	m.connections[key] = &connectionEntry{
		config:     cfg,
		connection: conn,
	}
	m.setConnectionStatusLocked(cfg, conn.Running(), nil)
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*connectionEntry, 0, len(m.connections))
	for key, entry := range m.connections {
		entries = append(entries, entry)
		delete(m.connections, key)
		delete(m.connectionMeta, key)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		_ = m.stopEntry(ctx, entry, "adapter stop")
	}
}

func (m *Manager) stopEntry(ctx context.Context, entry *connectionEntry, msg string) error {
	if entry == nil || entry.connection == nil {
		return nil
	}
	m.logger.Info(
		msg,
		slog.String("channel", entry.config.ChannelType.String()),
		slog.String("account_id", entry.config.ID),
	)
	if err := entry.connection.Stop(ctx); err != nil && !isStopNotSupported(err) {
		m.logger.Warn(
			"connection stop failed",
			slog.String("channel", entry.config.ChannelType.String()),
			slog.String("account_id", entry.config.ID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (m *Manager) markConnectionStatus(cfg ChannelConfig, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(cfg, running, checkErr)
}

func (m *Manager) setConnectionStatusLocked(cfg ChannelConfig, running bool, checkErr error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return
	}
	key := connectionKey(cfg.ChannelType, cfg.ID)
	previous, hasPrevious := m.connectionMeta[key]
	status := ConnectionStatus{
		ConfigID:    cfg.ID,
		Name:        cfg.Name,
		ChannelType: cfg.ChannelType,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.connectionMeta[key] = status
	if checkErr != nil && (!hasPrevious || previous.LastError != status.LastError || previous.Running != status.Running) {
		m.logger.Warn(
			"connection health check failed",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("account_id", cfg.ID),
			slog.Any("error", checkErr),
		)
	}
}
