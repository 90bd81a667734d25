package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/memohai/dingtalk-bridge/internal/media"
)

const (
	pathAccessToken     = "/v1.0/oauth2/accessToken"
	pathOpenConnection  = "/v1.0/gateway/connections/open"
	pathBatchSend       = "/v1.0/robot/oToMessages/batchSend"
	pathMessageDownload = "/v1.0/robot/messageFiles/download"

	accessTokenHeader = "x-acs-dingtalk-access-token"
	defaultUserAgent  = "dingbridge/1.0"
	maxErrorBody      = 64 << 10
)

// APIOptions configures an APIClient. Zero values select defaults.
type APIOptions struct {
	BaseURL       string
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxMediaBytes int64
	UserAgent     string
	Logger        *slog.Logger
}

// APIClient talks to the DingTalk open API. It is safe for concurrent use and
// shared by every account; per-account calls go through RobotClient.
type APIClient struct {
	baseURL       string
	http          *http.Client
	maxMediaBytes int64
	userAgent     string
	logger        *slog.Logger
}

// NewAPIClient creates an APIClient.
func NewAPIClient(opts APIOptions) *APIClient {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.dingtalk.com"
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	maxMedia := opts.MaxMediaBytes
	if maxMedia <= 0 {
		maxMedia = media.DefaultMaxBytes
	}
	return &APIClient{
		baseURL:       baseURL,
		http:          client,
		maxMediaBytes: maxMedia,
		userAgent:     ua,
		logger:        log.With(slog.String("component", "dingtalk_api")),
	}
}

// FetchAccessToken exchanges app credentials for an access token.
func (c *APIClient) FetchAccessToken(ctx context.Context, clientID, clientSecret string) (AccessTokenResponse, error) {
	var out AccessTokenResponse
	status, body, _, err := c.postJSON(ctx, c.http, c.baseURL+pathAccessToken, map[string]string{
		"appKey":    clientID,
		"appSecret": clientSecret,
	})
	if err != nil {
		return out, &DeliveryError{Op: "token exchange", Err: err}
	}
	if !isSuccess(status) {
		return out, &DeliveryError{Op: "token exchange", StatusCode: status, Body: string(body)}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &DeliveryError{Op: "token exchange", StatusCode: status, Body: string(body), Err: err}
	}
	return out, nil
}

// StreamEndpoint is the gateway's answer to a connection request.
type StreamEndpoint struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type openConnectionRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	Subscriptions []subscription `json:"subscriptions"`
	UA            string         `json:"ua"`
	LocalIP       string         `json:"localIp,omitempty"`
}

// OpenConnection registers a stream connection for account and returns the
// websocket endpoint and one-time ticket.
func (c *APIClient) OpenConnection(ctx context.Context, account Account) (StreamEndpoint, error) {
	var out StreamEndpoint
	status, body, _, err := c.postJSON(ctx, c.http, c.baseURL+pathOpenConnection, openConnectionRequest{
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
		Subscriptions: []subscription{
			{Type: frameTypeCallback, Topic: TopicBotMessage},
		},
		UA: c.userAgent,
	})
	if err != nil {
		return out, err
	}
	if !isSuccess(status) {
		return out, fmt.Errorf("open connection: %d %s", status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode open connection response: %w", err)
	}
	if strings.TrimSpace(out.Endpoint) == "" || strings.TrimSpace(out.Ticket) == "" {
		return out, fmt.Errorf("open connection: missing endpoint or ticket")
	}
	return out, nil
}

// PostWebhook posts payload to a conversation-scoped reply URL. The URL is
// pre-authorized, so no token is attached.
func (c *APIClient) PostWebhook(ctx context.Context, webhookURL string, payload any) error {
	status, body, _, err := c.postJSON(ctx, c.http, webhookURL, payload)
	if err != nil {
		return &DeliveryError{Op: "webhook reply", Err: err}
	}
	if !isSuccess(status) {
		return &DeliveryError{Op: "webhook reply", StatusCode: status, Body: string(body)}
	}
	return nil
}

// ForAccount returns a client whose calls are authenticated with tokens and
// scoped to the account's robot code.
func (c *APIClient) ForAccount(account Account, tokens *TokenCache) *RobotClient {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	authed := *c.http
	authed.Transport = &tokenTransport{
		sourceFor: tokens.TokenSource,
		base:      base,
		onReject:  tokens.Clear,
	}
	return &RobotClient{
		api:       c,
		http:      &authed,
		robotCode: account.RobotCode,
	}
}

// RobotClient issues robot API calls for one account.
type RobotClient struct {
	api       *APIClient
	http      *http.Client
	robotCode string
}

// BatchSendResponse lists recipients the platform refused.
type BatchSendResponse struct {
	ProcessQueryKey           string   `json:"processQueryKey"`
	InvalidStaffIDList        []string `json:"invalidStaffIdList"`
	FlowControlledStaffIDList []string `json:"flowControlledStaffIdList"`
}

type batchSendRequest struct {
	RobotCode string   `json:"robotCode"`
	UserIDs   []string `json:"userIds"`
	MsgKey    string   `json:"msgKey"`
	MsgParam  string   `json:"msgParam"`
}

// BatchSend sends one templated message to userIDs.
func (r *RobotClient) BatchSend(ctx context.Context, userIDs []string, msgKey string, msgParam any) (BatchSendResponse, error) {
	var out BatchSendResponse
	param, err := json.Marshal(msgParam)
	if err != nil {
		return out, &DeliveryError{Op: "batch send", Err: err}
	}
	status, body, _, err := r.api.postJSON(ctx, r.http, r.api.baseURL+pathBatchSend, batchSendRequest{
		RobotCode: r.robotCode,
		UserIDs:   userIDs,
		MsgKey:    msgKey,
		MsgParam:  string(param),
	})
	if err != nil {
		return out, &DeliveryError{Op: "batch send", Err: err}
	}
	if !isSuccess(status) {
		return out, &DeliveryError{Op: "batch send", StatusCode: status, Body: string(body)}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &DeliveryError{Op: "batch send", StatusCode: status, Body: string(body), Err: err}
	}
	return out, nil
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// FetchMedia resolves a message download code into file bytes. The platform
// either returns the bytes directly or a short-lived URL fetched without auth.
func (r *RobotClient) FetchMedia(ctx context.Context, downloadCode string) ([]byte, error) {
	if strings.TrimSpace(downloadCode) == "" {
		return nil, &MediaFetchError{Op: "download", Err: fmt.Errorf("download code is empty")}
	}
	status, body, header, err := r.api.post(ctx, r.http, r.api.baseURL+pathMessageDownload, map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    r.robotCode,
	}, r.api.maxMediaBytes)
	if err != nil {
		return nil, &MediaFetchError{Op: "download", Err: err}
	}
	if !isSuccess(status) {
		return nil, &MediaFetchError{Op: "download", Err: fmt.Errorf("status %d: %s", status, truncate(string(body), 512))}
	}
	if !isJSON(header.Get("Content-Type")) {
		return body, nil
	}
	var resolved downloadResponse
	if err := json.Unmarshal(body, &resolved); err != nil {
		return nil, &MediaFetchError{Op: "download", Err: err}
	}
	if strings.TrimSpace(resolved.DownloadURL) == "" {
		return nil, &MediaFetchError{Op: "download", Err: fmt.Errorf("response has no downloadUrl")}
	}
	return r.api.fetchURL(ctx, resolved.DownloadURL)
}

func (c *APIClient) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &MediaFetchError{Op: "fetch", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &MediaFetchError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()
	body, err := media.ReadLimited(resp.Body, c.maxMediaBytes)
	if err != nil {
		return nil, &MediaFetchError{Op: "fetch", Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &MediaFetchError{Op: "fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return body, nil
}

func (c *APIClient) postJSON(ctx context.Context, client *http.Client, url string, payload any) (int, []byte, http.Header, error) {
	return c.post(ctx, client, url, payload, maxErrorBody)
}

func (c *APIClient) post(ctx context.Context, client *http.Client, url string, payload any, limit int64) (int, []byte, http.Header, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := media.ReadLimited(resp.Body, limit)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tokenTransport attaches the account's access token and drops the cached
// token when the platform rejects it. The platform expects the bare token in
// its own header rather than an Authorization bearer.
type tokenTransport struct {
	sourceFor func(ctx context.Context) oauth2.TokenSource
	base      http.RoundTripper
	onReject  func()
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.sourceFor(req.Context()).Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("dingtalk token source returned an empty token")
	}
	authed := req.Clone(req.Context())
	authed.Header.Set(accessTokenHeader, tok.AccessToken)
	resp, err := t.base.RoundTrip(authed)
	if err == nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && t.onReject != nil {
		t.onReject()
	}
	return resp, err
}
