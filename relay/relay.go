// Package relay receives push messages from a SignalR relay hub. It is an
// alternative transport for installations that cannot hold an MCS
// connection; messages arrive in the same shape as FCM data messages and
// go through the same dispatcher.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/philippseith/signalr"

	"github.com/slush-dev/push-registry/fcm"
)

// TokenSource returns the bearer token used to reach the hub.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields key.
func StaticToken(key string) TokenSource {
	return func(context.Context) (string, error) { return key, nil }
}

// Push is the ReceivePush wire payload.
type Push struct {
	From      string            `json:"from"`
	MessageID string            `json:"messageId"`
	Data      map[string]string `json:"data"`
}

// Option configures Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for negotiation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithConnectTimeout bounds how long Start waits for the hub.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// Client is a SignalR client for the relay hub.
type Client struct {
	hubURL         string
	tokens         TokenSource
	httpClient     *http.Client
	connectTimeout time.Duration
	logger         *slog.Logger
	client         signalr.Client

	onPush             func(fcm.RemoteMessage)
	onTokenInvalidated func(string)
	onOpen             func()
	onClose            func()
	onError            func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewClient creates a relay client for the hub at hubURL.
func NewClient(hubURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		hubURL:         strings.TrimRight(hubURL, "/"),
		tokens:         tokens,
		httpClient:     http.DefaultClient,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handler registration

func (c *Client) OnPush(handler func(fcm.RemoteMessage))        { c.onPush = handler }
func (c *Client) OnTokenInvalidated(handler func(token string)) { c.onTokenInvalidated = handler }
func (c *Client) OnOpen(handler func())                         { c.onOpen = handler }
func (c *Client) OnClose(handler func())                        { c.onClose = handler }
func (c *Client) OnError(handler func(error))                   { c.onError = handler }

// Start connects to the hub and waits until the connection is up. The
// connection lives until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	client, err := signalr.NewClient(ctx,
		signalr.WithConnector(func() (signalr.Connection, error) {
			return c.connect(ctx)
		}),
		signalr.WithReceiver(&receiver{c: c}),
		signalr.Logger(&slogAdapter{logger: c.logger}, true),
		signalr.KeepAliveInterval(15*time.Second),
		signalr.TimeoutInterval(30*time.Second),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("creating SignalR client: %w", err)
	}
	c.client = client

	client.Start()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.connectTimeout)
	defer waitCancel()
	if err := <-client.WaitForState(waitCtx, signalr.ClientConnected); err != nil {
		cancel()
		return fmt.Errorf("waiting for relay connection: %w", err)
	}

	c.logger.Info("Connected to push relay", "hub", c.hubURL)
	if c.onOpen != nil {
		c.onOpen()
	}
	return nil
}

// Subscribe asks the hub to forward pushes addressed to token.
func (c *Client) Subscribe(instanceID, token string) {
	if c.client == nil {
		return
	}
	c.logger.Debug("SignalR Send", "method", "Subscribe", "instance_id", instanceID, "token_prefix", truncate(token, 20))
	c.client.Send("Subscribe", instanceID, token)
}

// Acknowledge tells the hub a push was handled.
func (c *Client) Acknowledge(messageID string) {
	if c.client == nil || messageID == "" {
		return
	}
	c.client.Send("Acknowledge", messageID)
}

// Stop disconnects from the hub.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.logger.Debug("Push relay disconnected")
	if c.onClose != nil {
		c.onClose()
	}
}

// connect negotiates with the hub and opens the WebSocket.
func (c *Client) connect(ctx context.Context) (signalr.Connection, error) {
	token, err := c.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting relay token: %w", err)
	}
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	neg, err := c.negotiate(ctx, headers)
	if err != nil {
		return nil, err
	}

	var wsURL *url.URL
	if neg.URL != "" && neg.AccessToken != "" {
		c.logger.Debug("Relay negotiate redirect", "url", neg.URL)
		wsURL, err = url.Parse(neg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redirect URL: %w", err)
		}
		headers.Set("Authorization", "Bearer "+neg.AccessToken)
	} else {
		wsURL, err = url.Parse(c.hubURL)
		if err != nil {
			return nil, fmt.Errorf("parsing hub URL: %w", err)
		}
		q := wsURL.Query()
		q.Set("id", neg.ConnectionID)
		wsURL.RawQuery = q.Encode()
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	case "http":
		wsURL.Scheme = "ws"
	}

	connID := neg.ConnectionID
	if connID == "" {
		connID = "redirect"
	}
	conn, err := signalr.NewWebSocketConnection(ctx, wsURL, connID, headers)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}
	return conn, nil
}

type negotiateResponse struct {
	ConnectionID string `json:"connectionId"`
	URL          string `json:"url"`
	AccessToken  string `json:"accessToken"`
}

func (c *Client) negotiate(ctx context.Context, headers http.Header) (negotiateResponse, error) {
	var neg negotiateResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL+"/negotiate", nil)
	if err != nil {
		return neg, fmt.Errorf("creating negotiate request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return neg, fmt.Errorf("negotiate request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return neg, fmt.Errorf("negotiate failed: %s %s", resp.Status, truncate(string(body), 500))
	}
	if err := json.Unmarshal(body, &neg); err != nil {
		return neg, fmt.Errorf("parsing negotiate response: %w", err)
	}
	return neg, nil
}

// receiver method names match the hub's client method names.
type receiver struct {
	c *Client
}

func (r *receiver) ReceivePush(raw json.RawMessage) {
	var p Push
	if err := json.Unmarshal(raw, &p); err != nil {
		r.c.logger.Error("Error parsing ReceivePush", "error", err)
		if r.c.onError != nil {
			r.c.onError(fmt.Errorf("parsing relayed push: %w", err))
		}
		return
	}
	msg := fcm.ParseRemoteMessage(p.From, p.MessageID, p.Data)
	r.c.logger.Debug("ReceivePush", "id", msg.MessageID, "from", msg.From)
	if r.c.onPush != nil {
		r.c.onPush(msg)
	}
}

func (r *receiver) ReceiveTokenInvalidated(raw json.RawMessage) {
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		r.c.logger.Error("Error parsing ReceiveTokenInvalidated", "error", err, "raw", truncate(string(raw), 200))
		return
	}
	r.c.logger.Info("Relay reported token invalidated", "token_prefix", truncate(token, 20))
	if r.c.onTokenInvalidated != nil {
		r.c.onTokenInvalidated(token)
	}
}

// slogAdapter adapts slog.Logger to the SignalR library's go-kit/log interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Log(keyVals ...interface{}) error {
	var attrs []any
	for i := 0; i+1 < len(keyVals); i += 2 {
		key := fmt.Sprint(keyVals[i])
		if key == "level" || key == "ts" || key == "caller" {
			continue
		}
		attrs = append(attrs, key, keyVals[i+1])
	}
	a.logger.Debug("signalr", attrs...)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
