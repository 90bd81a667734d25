// Package dingtalk connects DingTalk robot accounts to the bridge over the
// stream-mode gateway and sends replies through the open API.
package dingtalk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/config"
)

// Type is the DingTalk channel type.
const Type channel.ChannelType = "dingtalk"

// AdapterOptions carries optional collaborators. Zero values select defaults.
type AdapterOptions struct {
	Dialer *websocket.Dialer
	Policy *channel.ReplyPolicy
}

// DingTalkAdapter implements channel.Adapter, channel.Receiver and
// channel.ConfigLister for DingTalk robot accounts.
type DingTalkAdapter struct {
	logger     *slog.Logger
	cfg        config.DingTalkConfig
	api        *APIClient
	queue      *channel.WorkQueue
	normalizer *Normalizer
	dialer     *websocket.Dialer
	policy     channel.ReplyPolicy

	mu     sync.Mutex
	tokens map[string]*TokenCache
}

// NewDingTalkAdapter creates an adapter. Inbound work is submitted to queue;
// a nil queue runs every message on its own goroutine.
func NewDingTalkAdapter(log *slog.Logger, cfg config.DingTalkConfig, api *APIClient, queue *channel.WorkQueue, opts AdapterOptions) *DingTalkAdapter {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("adapter", "dingtalk"))
	if api == nil {
		api = NewAPIClient(APIOptions{
			BaseURL:       cfg.APIBaseURL,
			Timeout:       cfg.HTTPTimeoutDuration(),
			MaxMediaBytes: cfg.MaxMediaBytes,
			Logger:        log,
		})
	}
	policy := channel.DefaultReplyPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &DingTalkAdapter{
		logger:     log,
		cfg:        cfg,
		api:        api,
		queue:      queue,
		normalizer: NewNormalizer(log, cfg.ScratchDir),
		dialer:     opts.Dialer,
		policy:     policy,
		tokens:     make(map[string]*TokenCache),
	}
}

// Type returns the DingTalk channel type.
func (a *DingTalkAdapter) Type() channel.ChannelType {
	return Type
}

// ListConfigs returns one config per known account. Disabled accounts are
// listed so the manager can stop them.
func (a *DingTalkAdapter) ListConfigs(ctx context.Context) ([]channel.ChannelConfig, error) {
	descriptions := DescribeAccounts(a.cfg)
	configs := make([]channel.ChannelConfig, 0, len(descriptions))
	for _, d := range descriptions {
		configs = append(configs, channel.ChannelConfig{
			ID:          d.AccountID,
			Name:        d.Name,
			ChannelType: Type,
			Disabled:    !d.Enabled,
		})
	}
	return configs, nil
}

// tokenCache returns the account's cache, creating it on first use. Sends and
// the stream share it so a rejected token is cleared for both.
func (a *DingTalkAdapter) tokenCache(account Account) *TokenCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cache, ok := a.tokens[account.AccountID]; ok {
		return cache
	}
	cache := NewTokenCache(account, a.api, a.logger)
	a.tokens[account.AccountID] = cache
	return cache
}

func (a *DingTalkAdapter) dispatcherFor(account Account) (*Dispatcher, *RobotClient) {
	robot := a.api.ForAccount(account, a.tokenCache(account))
	log := a.logger.With(slog.String("account_id", account.AccountID))
	return NewDispatcher(log, a.api, robot, a.cfg.SendQPS), robot
}

// Connect resolves the account and supervises its stream session until the
// returned connection is stopped. Credential problems fail immediately;
// transport failures are retried after the configured delay.
func (a *DingTalkAdapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))
	account, err := ResolveAccount(a.cfg, cfg.ID)
	if err != nil {
		a.logger.Error("resolve account failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	dispatcher, robot := a.dispatcherFor(account)
	log := a.logger.With(slog.String("account_id", account.AccountID))

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	conn := channel.NewConnection(cfg, func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})

	onMessage := func(raw RawMessage) {
		a.dispatch(account, raw, robot, dispatcher, handler, log)
	}

	go func() {
		defer close(done)
		reconnectDelay := a.cfg.ReconnectInterval()
		for {
			if connCtx.Err() != nil {
				return
			}
			session := NewStreamSession(account, SessionOptions{
				Gateway: a.api,
				Dialer:  a.dialer,
				Logger:  log,
				OnStateChange: func(state SessionState) {
					conn.SetRunning(state == StateConnected)
					if state == StateConnected {
						conn.SetLastError(nil)
					}
				},
			})
			err := session.Run(connCtx, onMessage)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				conn.SetLastError(err)
				log.Error("stream session failed", slog.Any("error", err))
			} else {
				log.Warn("stream session exited without error; reconnecting")
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return conn, nil
}

// dispatch moves one accepted message off the read loop.
func (a *DingTalkAdapter) dispatch(account Account, raw RawMessage, fetcher MediaFetcher, dispatcher *Dispatcher, handler channel.InboundHandler, log *slog.Logger) {
	header := raw.Header()
	task := func(ctx context.Context) {
		msg := a.normalizer.Normalize(ctx, account, raw, fetcher)
		target := TargetFor(header)
		replier := channel.NewPolicyReplier(log, a.policy, func(ctx context.Context, text string) error {
			if err := dispatcher.Deliver(ctx, target, text); err != nil {
				log.Error("reply delivery failed", slog.String("msg_id", header.MsgID), slog.Any("error", err))
				return err
			}
			return nil
		})
		if handler == nil {
			log.Warn("inbound dropped: no handler", slog.String("msg_id", header.MsgID))
			return
		}
		if err := handler(ctx, msg, replier); err != nil {
			log.Error("handle inbound failed", slog.String("msg_id", header.MsgID), slog.Any("error", err))
		}
	}
	if a.queue == nil {
		go task(context.Background())
		return
	}
	if err := a.queue.Submit(task); err != nil {
		log.Warn("inbound dropped", slog.String("msg_id", header.MsgID), slog.Any("error", err))
	}
}

// SendText sends a plain text message from accountID to userID.
func (a *DingTalkAdapter) SendText(ctx context.Context, accountID, userID, text string) error {
	account, err := ResolveAccount(a.cfg, accountID)
	if err != nil {
		return err
	}
	dispatcher, _ := a.dispatcherFor(account)
	return dispatcher.SendText(ctx, userID, text)
}

// SendMarkdown sends a markdown message from accountID to userID.
func (a *DingTalkAdapter) SendMarkdown(ctx context.Context, accountID, userID, title, text string) error {
	account, err := ResolveAccount(a.cfg, accountID)
	if err != nil {
		return err
	}
	dispatcher, _ := a.dispatcherFor(account)
	return dispatcher.SendMarkdown(ctx, userID, title, text)
}

// ProbeResult is the outcome of checking one account against the platform.
type ProbeResult struct {
	AccountID string        `json:"account_id"`
	OK        bool          `json:"ok"`
	Missing   []string      `json:"missing,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ProbeAccount validates the account's credentials by exchanging them for a
// token. Missing fields are reported without any network call.
func (a *DingTalkAdapter) ProbeAccount(ctx context.Context, accountID string) ProbeResult {
	started := time.Now()
	account, err := ResolveAccount(a.cfg, accountID)
	if err != nil {
		result := ProbeResult{AccountID: strings.TrimSpace(accountID), Error: err.Error()}
		var missing *MissingCredentialsError
		if errors.As(err, &missing) {
			result.AccountID = missing.AccountID
			result.Missing = missing.Missing
		}
		return result
	}
	_, err = a.tokenCache(account).GetToken(ctx)
	result := ProbeResult{AccountID: account.AccountID, OK: err == nil, Elapsed: time.Since(started)}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
