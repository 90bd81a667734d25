package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

const (
	tokenRefreshSkew = 60 * time.Second
	defaultTokenTTL  = 7200 * time.Second
)

// AccessTokenResponse is the token exchange payload.
type AccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

// TokenFetcher performs the credential exchange.
type TokenFetcher interface {
	FetchAccessToken(ctx context.Context, clientID, clientSecret string) (AccessTokenResponse, error)
}

// AccessToken is one cached bearer value.
type AccessToken struct {
	Value      string
	ObtainedAt time.Time
	TTL        time.Duration
}

// Expiry is the instant after which the token is no longer reused.
func (t AccessToken) Expiry() time.Time {
	return t.ObtainedAt.Add(t.TTL - tokenRefreshSkew)
}

func (t AccessToken) validAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expiry())
}

// TokenCache holds the access token of one account. Reads are lock-free;
// concurrent refreshes are allowed and the last one stored wins.
type TokenCache struct {
	clientID     string
	clientSecret string
	fetcher      TokenFetcher
	logger       *slog.Logger
	now          func() time.Time
	current      atomic.Pointer[AccessToken]
}

// TokenCacheOption customizes a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCache creates an empty cache for account.
func NewTokenCache(account Account, fetcher TokenFetcher, log *slog.Logger, opts ...TokenCacheOption) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	c := &TokenCache{
		clientID:     account.ClientID,
		clientSecret: account.ClientSecret,
		fetcher:      fetcher,
		logger:       log.With(slog.String("account_id", account.AccountID)),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken returns the cached token while it is outside the refresh window,
// otherwise exchanges credentials for a fresh one.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Clear drops the cached token so the next GetToken refreshes.
func (c *TokenCache) Clear() {
	c.current.Store(nil)
}

// Token implements oauth2.TokenSource without a request context.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	return c.TokenSource(context.Background()).Token()
}

// TokenSource returns an oauth2.TokenSource whose refreshes run under ctx.
func (c *TokenCache) TokenSource(ctx context.Context) oauth2.TokenSource {
	return contextSource{cache: c, ctx: ctx}
}

type contextSource struct {
	cache *TokenCache
	ctx   context.Context
}

func (s contextSource) Token() (*oauth2.Token, error) {
	tok, err := s.cache.token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		Expiry:      tok.Expiry(),
	}, nil
}

// token returns the exact cached or freshly stored value, so callers never
// pair a value with another refresh's expiry.
func (c *TokenCache) token(ctx context.Context) (*AccessToken, error) {
	if tok := c.current.Load(); tok != nil && tok.validAt(c.now()) {
		return tok, nil
	}
	return c.refresh(ctx)
}

func (c *TokenCache) refresh(ctx context.Context) (*AccessToken, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("dingtalk token fetcher not configured")
	}
	obtainedAt := c.now()
	resp, err := c.fetcher.FetchAccessToken(ctx, c.clientID, c.clientSecret)
	if err != nil {
		return nil, err
	}
	value := strings.TrimSpace(resp.AccessToken)
	if value == "" {
		return nil, &DeliveryError{Op: "token exchange", Body: "empty access token"}
	}
	ttl := defaultTokenTTL
	if expireIn := time.Duration(resp.ExpireIn) * time.Second; expireIn > tokenRefreshSkew {
		ttl = expireIn
	}
	tok := &AccessToken{Value: value, ObtainedAt: obtainedAt, TTL: ttl}
	c.current.Store(tok)
	c.logger.Debug("access token refreshed", slog.Duration("ttl", ttl))
	return tok, nil
}
