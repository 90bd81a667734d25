package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/config"
	"github.com/memohai/dingtalk-bridge/internal/handlers"
	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
	channelchecker "github.com/memohai/dingtalk-bridge/internal/healthcheck/checkers/channel"
	queuechecker "github.com/memohai/dingtalk-bridge/internal/healthcheck/checkers/queue"
	"github.com/memohai/dingtalk-bridge/internal/logger"
	"github.com/memohai/dingtalk-bridge/internal/relay"
	"github.com/memohai/dingtalk-bridge/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect every enabled account and serve health endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			fx.Provide(
				provideConfig,
				provideLogger,
				provideAPIClient,
				provideWorkQueue,
				provideDingTalkAdapter,
				provideInboundHandler,
				provideChannelManager,
				provideHealthRunner,
				provideServerHandler(handlers.NewPingHandler),
				provideServerHandler(handlers.NewHealthHandler),
				provideServerHandler(provideAccountsHandler),
				provideServer,
			),
			fx.Invoke(
				startChannelManager,
				startServer,
			),
			fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
				return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.L
}

func provideAPIClient(log *slog.Logger, cfg config.Config) *dingtalk.APIClient {
	return dingtalk.NewAPIClient(dingtalk.APIOptions{
		BaseURL:       cfg.DingTalk.APIBaseURL,
		Timeout:       cfg.DingTalk.HTTPTimeoutDuration(),
		MaxMediaBytes: cfg.DingTalk.MaxMediaBytes,
		Logger:        log,
	})
}

func provideWorkQueue(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *channel.WorkQueue {
	queue := channel.NewWorkQueue(log, cfg.DingTalk.QueueSize, cfg.DingTalk.Workers)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { queue.Start(context.Background()); return nil },
		OnStop:  func(ctx context.Context) error { return queue.Close(ctx) },
	})
	return queue
}

func provideDingTalkAdapter(log *slog.Logger, cfg config.Config, api *dingtalk.APIClient, queue *channel.WorkQueue) *dingtalk.DingTalkAdapter {
	return dingtalk.NewDingTalkAdapter(log, cfg.DingTalk, api, queue, dingtalk.AdapterOptions{})
}

// provideInboundHandler publishes to the relay when it is enabled and falls
// back to the echo handler otherwise.
func provideInboundHandler(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (channel.InboundHandler, error) {
	if !cfg.Relay.Enabled {
		log.Warn("relay disabled; answering with the echo handler")
		return relay.NewEchoHandler(log), nil
	}
	r, err := relay.Dial(context.Background(), log, cfg.Relay)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				if err := r.Consume(consumeCtx); err != nil {
					log.Error("relay consumer stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return r.Close()
		},
	})
	return r.Handle, nil
}

func provideChannelManager(log *slog.Logger, adapter *dingtalk.DingTalkAdapter, handler channel.InboundHandler) *channel.Manager {
	manager := channel.NewManager(log, channel.NewRegistry(), handler)
	manager.RegisterAdapter(adapter)
	return manager
}

func provideHealthRunner(log *slog.Logger, manager *channel.Manager, queue *channel.WorkQueue) handlers.ReportRunner {
	return healthcheck.NewAggregator(
		channelchecker.NewChecker(log, manager),
		queuechecker.NewChecker(log, queue),
	)
}

func provideAccountsHandler(cfg config.Config) *handlers.AccountsHandler {
	return handlers.NewAccountsHandler(cfg.DingTalk)
}

type serverParams struct {
	fx.In

	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Config.Server.Addr, params.Handlers...)
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, cfg config.Config, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			log.Info("server listening", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
