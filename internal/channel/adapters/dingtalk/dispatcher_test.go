package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// fakeOpenAPI records robot API calls made through a real APIClient.
type fakeOpenAPI struct {
	server *httptest.Server

	tokenCalls atomic.Int32
	sendStatus atomic.Int32
	sendResp   BatchSendResponse

	mu       sync.Mutex
	sends    []batchSendRequest
	tokens   []string
	webhooks []webhookMarkdown
	webhookH []string
}

func newFakeOpenAPI(t *testing.T) *fakeOpenAPI {
	t.Helper()
	f := &fakeOpenAPI{}
	f.sendStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc(pathAccessToken, func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AccessTokenResponse{AccessToken: "token-" + string(rune('0'+n)), ExpireIn: 7200})
	})
	mux.HandleFunc(pathBatchSend, func(w http.ResponseWriter, r *http.Request) {
		var req batchSendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sends = append(f.sends, req)
		f.tokens = append(f.tokens, r.Header.Get(accessTokenHeader))
		resp := f.sendResp
		f.mu.Unlock()
		status := int(f.sendStatus.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
		_, _ = io.WriteString(w, `{"code":"InvalidAuthentication"}`)
	})
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		var payload webhookMarkdown
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.webhooks = append(f.webhooks, payload)
		f.webhookH = append(f.webhookH, r.Header.Get(accessTokenHeader))
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"errcode":0}`)
	})
	mux.HandleFunc("/webhook-expired", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errcode":300001,"errmsg":"session expired"}`)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOpenAPI) dispatcher(t *testing.T) (*Dispatcher, *TokenCache) {
	t.Helper()
	api := NewAPIClient(APIOptions{BaseURL: f.server.URL})
	account := testAccount()
	tokens := NewTokenCache(account, api, nil)
	return NewDispatcher(nil, api, api.ForAccount(account, tokens), 0), tokens
}

func TestDispatcherDirectUsesBatchSend(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	err := d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, "**hi**")
	require.NoError(t, err)
	err = d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, "again")
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sends, 2)
	first := api.sends[0]
	assert.Equal(t, "robot", first.RobotCode)
	assert.Equal(t, []string{"u1"}, first.UserIDs)
	assert.Equal(t, "sampleMarkdown", first.MsgKey)
	assert.JSONEq(t, `{"title":"回复","text":"**hi**"}`, first.MsgParam)
	assert.Equal(t, []string{"token-1", "token-1"}, api.tokens)
	assert.Equal(t, int32(1), api.tokenCalls.Load(), "token must be reused")
	assert.Empty(t, api.webhooks)
}

func TestDispatcherGroupUsesWebhook(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	target := Target{ChatType: channel.ChatTypeGroup, UserID: "u1", SessionWebhook: api.server.URL + "/webhook"}
	require.NoError(t, d.Deliver(context.Background(), target, "hello group"))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.webhooks, 1)
	assert.Equal(t, "markdown", api.webhooks[0].MsgType)
	assert.Equal(t, markdownParam{Title: "回复", Text: "hello group"}, api.webhooks[0].Markdown)
	assert.Equal(t, []string{""}, api.webhookH, "webhook must not carry a token")
	assert.Empty(t, api.sends)
	assert.Equal(t, int32(0), api.tokenCalls.Load())
}

func TestDispatcherGroupWithoutWebhookFallsBack(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	require.NoError(t, d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeGroup, UserID: "u7"}, "x"))
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sends, 1)
	assert.Equal(t, []string{"u7"}, api.sends[0].UserIDs)
}

func TestDispatcherWebhookFailureIsVerbatim(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	target := Target{ChatType: channel.ChatTypeGroup, SessionWebhook: api.server.URL + "/webhook-expired"}
	err := d.Deliver(context.Background(), target, "x")

	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, http.StatusBadRequest, delivery.StatusCode)
	assert.Equal(t, `{"errcode":300001,"errmsg":"session expired"}`, delivery.Body)
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestDispatcherEmptyTextIsNoop(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	require.NoError(t, d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, ""))
	assert.Equal(t, int32(0), api.tokenCalls.Load())
}

func TestDispatcherUnauthorizedClearsToken(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, tokens := api.dispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Deliver(ctx, Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, "one"))

	api.sendStatus.Store(http.StatusUnauthorized)
	err := d.Deliver(ctx, Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, "two")
	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, http.StatusUnauthorized, delivery.StatusCode)

	api.sendStatus.Store(http.StatusOK)
	require.NoError(t, d.Deliver(ctx, Target{ChatType: channel.ChatTypeDirect, UserID: "u1"}, "three"))

	token, err := tokens.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, int32(2), api.tokenCalls.Load())
}

func TestDispatcherRejectedRecipient(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	api.sendResp = BatchSendResponse{ProcessQueryKey: "k", InvalidStaffIDList: []string{"ghost"}}
	d, _ := api.dispatcher(t)

	err := d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect, UserID: "ghost"}, "x")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "ghost")

	api.mu.Lock()
	api.sendResp = BatchSendResponse{FlowControlledStaffIDList: []string{"busy"}}
	api.mu.Unlock()
	err = d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect, UserID: "busy"}, "x")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "flow controlled")
}

func TestDispatcherSendText(t *testing.T) {
	t.Parallel()

	api := newFakeOpenAPI(t)
	d, _ := api.dispatcher(t)

	require.NoError(t, d.SendText(context.Background(), "u1", "plain"))
	require.NoError(t, d.SendMarkdown(context.Background(), "u1", "", "# md"))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sends, 2)
	assert.Equal(t, "sampleText", api.sends[0].MsgKey)
	assert.JSONEq(t, `{"content":"plain"}`, api.sends[0].MsgParam)
	assert.JSONEq(t, `{"title":"回复","text":"# md"}`, api.sends[1].MsgParam)
}

func TestDispatcherMissingRecipient(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, nil, nil, 5)
	err := d.Deliver(context.Background(), Target{ChatType: channel.ChatTypeDirect}, "x")
	var delivery *DeliveryError
	require.True(t, errors.As(err, &delivery))
	assert.Contains(t, delivery.Body, "empty")
}

func TestTargetFor(t *testing.T) {
	t.Parallel()

	target := TargetFor(MessageHeader{ConversationType: "2", SenderID: "$:x", SessionWebhook: " https://hook "})
	assert.Equal(t, Target{ChatType: channel.ChatTypeGroup, UserID: "$:x", SessionWebhook: "https://hook"}, target)
}
