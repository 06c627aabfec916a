package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slush-dev/push-registry/fcm"
	"github.com/slush-dev/push-registry/registry"
	"github.com/slush-dev/push-registry/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(opts ...Option) *Client {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewClient("http://relay.test/push", StaticToken("k"), opts...)
}

func TestReceiver_ReceivePush(t *testing.T) {
	var got *fcm.RemoteMessage
	c := newTestClient()
	c.OnPush(func(m fcm.RemoteMessage) { got = &m })
	r := &receiver{c: c}

	r.ReceivePush(json.RawMessage(`{
		"from": "sender-1",
		"messageId": "m1",
		"data": {"payload": "{\"a\":1}", "gcm.n.title": "Hi", "google.sent_time": "1700000000000"}
	}`))

	require.NotNil(t, got)
	assert.Equal(t, "sender-1", got.From)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, map[string]string{"payload": `{"a":1}`}, got.Data)
	require.NotNil(t, got.Notification)
	assert.Equal(t, "Hi", got.Notification.Title)
}

func TestReceiver_ReceivePushBadData(t *testing.T) {
	var errs []error
	c := newTestClient()
	c.OnPush(func(fcm.RemoteMessage) { t.Fatal("unexpected push") })
	c.OnError(func(err error) { errs = append(errs, err) })
	r := &receiver{c: c}

	r.ReceivePush(json.RawMessage(`{invalid`))
	assert.Len(t, errs, 1)
}

func TestReceiver_ReceiveTokenInvalidated(t *testing.T) {
	var got []string
	c := newTestClient()
	c.OnTokenInvalidated(func(tok string) { got = append(got, tok) })
	r := &receiver{c: c}

	r.ReceiveTokenInvalidated(json.RawMessage(`"tok-1"`))
	r.ReceiveTokenInvalidated(json.RawMessage(`""`))
	r.ReceiveTokenInvalidated(json.RawMessage(`42`))
	assert.Equal(t, []string{"tok-1"}, got)
}

func TestReceiver_NilHandlerNoPanic(t *testing.T) {
	r := &receiver{c: newTestClient()}
	assert.NotPanics(t, func() {
		r.ReceivePush(json.RawMessage(`{"from":"s","data":{}}`))
		r.ReceivePush(json.RawMessage(`{invalid`))
		r.ReceiveTokenInvalidated(json.RawMessage(`"t"`))
	})
}

func TestClient_NegotiateSendsBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/push/negotiate", r.URL.Path)
		_, _ = io.WriteString(w, `{"connectionId":"conn-1"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/push/", StaticToken("secret"), WithLogger(quietLogger()), WithHTTPClient(srv.Client()))
	neg, err := c.negotiate(context.Background(), http.Header{"Authorization": []string{"Bearer secret"}})
	require.NoError(t, err)
	assert.Equal(t, "conn-1", neg.ConnectionID)
	assert.Equal(t, "Bearer secret", auth)
}

func TestClient_NegotiateFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, StaticToken(""), WithLogger(quietLogger()))
	_, err := c.negotiate(context.Background(), http.Header{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_StopWithoutStart(t *testing.T) {
	closed := false
	c := newTestClient()
	c.OnClose(func() { closed = true })
	assert.NotPanics(t, c.Stop)
	assert.False(t, closed)
	assert.NotPanics(t, func() {
		c.Subscribe("i", "t")
		c.Acknowledge("m")
	})
}

func TestSlogAdapter(t *testing.T) {
	adapter := &slogAdapter{logger: quietLogger()}
	assert.NotPanics(t, func() {
		_ = adapter.Log("level", "debug", "state", 1)
		_ = adapter.Log()
	})
}

// countingFetcher issues tok-1, tok-2, ... and records deletions.
type countingFetcher struct {
	mu      sync.Mutex
	n       int
	deleted []string
}

func (f *countingFetcher) FetchToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return "tok-" + string(rune('0'+f.n)), nil
}

func (f *countingFetcher) DeleteToken(_ context.Context, projectID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, projectID)
	f.mu.Unlock()
	return nil
}

func TestReplaceToken(t *testing.T) {
	f := &countingFetcher{}
	reg := registry.New(store.NewMemory(), f, registry.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	tok, err := reg.Token(ctx, "proj")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	fresh, err := ReplaceToken(ctx, reg, "proj", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", fresh)
	assert.Equal(t, []string{"proj"}, f.deleted)

	// An invalidation for a token already replaced is ignored.
	cur, err := ReplaceToken(ctx, reg, "proj", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cur)
	assert.Len(t, f.deleted, 1)
}

func TestReplaceOnInvalidation(t *testing.T) {
	f := &countingFetcher{}
	reg := registry.New(store.NewMemory(), f, registry.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	_, err := reg.Token(ctx, "proj")
	require.NoError(t, err)

	ReplaceOnInvalidation(ctx, reg, "proj", quietLogger())("tok-1")

	r, err := reg.Registration(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", r.Token)
}
