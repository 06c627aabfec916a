package fcm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTokenMaxAge is how long FetchToken trusts a persisted token before
// registering again.
const DefaultTokenMaxAge = 7 * 24 * time.Hour

// ErrNoSender is returned when a token is requested without a sender ID.
var ErrNoSender = errors.New("fcm: sender ID is required")

// Credentials holds Android-native FCM registration credentials.
type Credentials struct {
	Raw           json.RawMessage `json:"raw"` // GCM credentials (androidId, securityToken)
	Token         string          `json:"token"`
	SenderID      string          `json:"sender_id"`
	IssuedAt      time.Time       `json:"issued_at"`
	PersistentIDs []string        `json:"persistent_ids"`
}

// TokenObserver is told about every token the client obtains that differs
// from the one it held before.
type TokenObserver interface {
	OnNewToken(token string)
}

// Option configures Client.
type Option func(*Client)

// WithLogger sets a custom logger for Client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client for FCM registration.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithApp sets the application identity tokens are issued to.
func WithApp(app AppIdentity) Option {
	return func(c *Client) {
		c.app = app
	}
}

// WithDevice overrides the emulated Android device.
func WithDevice(device AndroidDeviceInfo) Option {
	return func(c *Client) {
		c.device = device
	}
}

// WithTokenMaxAge sets how long FetchToken reuses a persisted token. Zero or
// negative values make FetchToken always register again.
func WithTokenMaxAge(d time.Duration) Option {
	return func(c *Client) {
		c.tokenMaxAge = d
	}
}

// Client manages FCM registration and MCS push notification listening.
type Client struct {
	credentials *Credentials
	sessionDir  string
	logger      *slog.Logger
	httpClient  *http.Client
	app         AppIdentity
	device      AndroidDeviceInfo
	tokenMaxAge time.Duration
	observer    TokenObserver
	mu          sync.Mutex

	// dialMCS is overridable for testing (returns a conn to MCS server).
	dialMCS func(ctx context.Context) (io.ReadWriteCloser, error)

	onMessage      func(RemoteMessage)
	onConnected    func()
	onDisconnected func()
	onError        func(error)
}

// NewClient creates a new Client persisting its credentials in sessionDir.
func NewClient(sessionDir string, opts ...Option) *Client {
	c := &Client{
		sessionDir:  sessionDir,
		logger:      slog.Default(),
		httpClient:  http.DefaultClient,
		app:         DefaultApp(),
		device:      DefaultAndroidDevice(),
		tokenMaxAge: DefaultTokenMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenObserver registers o to hear about new tokens. It replaces any
// previous observer.
func (c *Client) SetTokenObserver(o TokenObserver) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// Token returns the current FCM token (empty if not registered).
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return ""
	}
	return c.credentials.Token
}

// Credentials returns a copy of the current FCM credentials (nil if not registered).
func (c *Client) Credentials() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return nil
	}
	cpy := *c.credentials
	cpy.PersistentIDs = append([]string(nil), c.credentials.PersistentIDs...)
	cpy.Raw = append(json.RawMessage(nil), c.credentials.Raw...)
	return &cpy
}

// OnMessage registers a callback for incoming messages.
// Must be called before Listen().
func (c *Client) OnMessage(fn func(RemoteMessage)) { c.onMessage = fn }

// OnConnected registers a callback invoked when MCS connection is established.
// Must be called before Listen().
func (c *Client) OnConnected(fn func()) { c.onConnected = fn }

// OnDisconnected registers a callback invoked when MCS connection drops.
// Must be called before Listen().
func (c *Client) OnDisconnected(fn func()) { c.onDisconnected = fn }

// OnError registers a callback invoked for listener errors.
// Must be called before Listen().
func (c *Client) OnError(fn func(error)) { c.onError = fn }

// Register returns the persisted token for senderID, registering the device
// if there is none. Unlike FetchToken it never expires a persisted token.
func (c *Client) Register(ctx context.Context, senderID string) (string, error) {
	return c.obtain(ctx, senderID, 0)
}

// FetchToken returns a token for senderID. A persisted token younger than the
// configured max age is reused; otherwise the device checks in again and
// requests a new registration.
func (c *Client) FetchToken(ctx context.Context, senderID string) (string, error) {
	maxAge := c.tokenMaxAge
	if maxAge <= 0 {
		maxAge = -1
	}
	return c.obtain(ctx, senderID, maxAge)
}

// obtain implements Register (maxAge 0: never expire) and FetchToken
// (maxAge < 0: always register).
func (c *Client) obtain(ctx context.Context, senderID string, maxAge time.Duration) (string, error) {
	if senderID == "" {
		return "", ErrNoSender
	}

	c.mu.Lock()
	c.ensureLoadedLocked()
	if cr := c.credentials; cr != nil && cr.Token != "" && cr.SenderID == senderID &&
		(maxAge == 0 || (maxAge > 0 && time.Since(cr.IssuedAt) < maxAge)) {
		token := cr.Token
		c.mu.Unlock()
		c.logger.Debug("Reusing persisted FCM token", "token_prefix", truncate(token, 20))
		return token, nil
	}

	token, prior, err := c.registerLocked(ctx, senderID)
	observer := c.observer
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	if token != prior && observer != nil {
		observer.OnNewToken(token)
	}
	return token, nil
}

// registerLocked checks the device in (reusing stored device credentials) and
// requests a token for senderID. It returns the new and the previous token.
func (c *Client) registerLocked(ctx context.Context, senderID string) (string, string, error) {
	c.logger.Debug("Starting Android-native FCM registration", "sender_id", senderID)
	httpClient := c.loggingHTTPClient()

	var (
		gc    gcmCredentials
		prior string
		pids  []string
	)
	if c.credentials != nil {
		prior = c.credentials.Token
		pids = c.credentials.PersistentIDs
		if len(c.credentials.Raw) > 0 {
			if err := json.Unmarshal(c.credentials.Raw, &gc); err != nil {
				c.logger.Warn("Discarding unreadable GCM credentials", "error", err)
				gc = gcmCredentials{}
			}
		}
	}

	androidID, securityToken, err := gcmCheckin(ctx, httpClient, gc.AndroidID, gc.SecurityToken, c.device)
	if err != nil {
		return "", "", fmt.Errorf("FCM registration failed (checkin): %w", err)
	}
	if androidID != gc.AndroidID {
		// A new device identity cannot acknowledge the old one's messages.
		pids = nil
	}
	gc.AndroidID, gc.SecurityToken = androidID, securityToken
	if gc.InstanceID == "" {
		if gc.InstanceID, err = generateInstanceID(); err != nil {
			return "", "", err
		}
	}
	c.logger.Debug("GCM checkin complete", "androidId", androidID)

	token, err := gcmRegister(ctx, httpClient, gc, senderID, c.device, c.app)
	if err != nil {
		return "", "", fmt.Errorf("FCM registration failed (register): %w", err)
	}
	if token == "" {
		return "", "", fmt.Errorf("FCM registration returned empty token")
	}

	rawCreds, err := json.Marshal(gc)
	if err != nil {
		return "", "", fmt.Errorf("serializing GCM credentials: %w", err)
	}
	if pids == nil {
		pids = []string{}
	}
	c.credentials = &Credentials{
		Raw:           rawCreds,
		Token:         token,
		SenderID:      senderID,
		IssuedAt:      time.Now().UTC(),
		PersistentIDs: pids,
	}
	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save FCM credentials", "error", err)
	}

	c.logger.Info("FCM registration complete",
		"sender_id", senderID,
		"token_prefix", truncate(token, 20),
		"rotated", prior != "" && prior != token,
	)
	return token, prior, nil
}

// DeleteToken invalidates the token issued for senderID and forgets it
// locally. An empty senderID means the sender of the persisted token. Device
// credentials are kept so a later FetchToken only re-registers.
func (c *Client) DeleteToken(ctx context.Context, senderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked()

	if c.credentials == nil || c.credentials.Token == "" {
		c.logger.Debug("No FCM token to delete")
		return nil
	}
	if senderID == "" {
		senderID = c.credentials.SenderID
	}

	// The token is forgotten locally even if the remote call fails, so a
	// deleted token is never handed out again.
	token := c.credentials.Token
	c.credentials.Token = ""
	c.credentials.SenderID = ""
	c.credentials.IssuedAt = time.Time{}
	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save FCM credentials", "error", err)
	}

	var gc gcmCredentials
	if err := json.Unmarshal(c.credentials.Raw, &gc); err != nil {
		return fmt.Errorf("failed to parse GCM credentials: %w", err)
	}
	if senderID != "" {
		if err := gcmUnregister(ctx, c.loggingHTTPClient(), gc, senderID, c.device, c.app); err != nil {
			c.logger.Warn("FCM token forgotten locally but remote delete failed", "sender_id", senderID, "error", err)
			return err
		}
	}

	c.logger.Info("FCM token deleted", "sender_id", senderID, "token_prefix", truncate(token, 20))
	return nil
}

// ensureLoadedLocked loads persisted credentials once.
func (c *Client) ensureLoadedLocked() {
	if c.credentials != nil {
		return
	}
	if err := c.loadCredentials(); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to load persisted FCM credentials; attempting fresh registration", "error", err)
	}
}

// Listen connects to Google's MCS and processes incoming push notifications.
// It blocks until ctx is cancelled. Obtain a token first so device
// credentials exist.
func (c *Client) Listen(ctx context.Context) error {
	c.mu.Lock()
	c.ensureLoadedLocked()
	if c.credentials == nil || len(c.credentials.Raw) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no FCM credentials: call Register() first")
	}

	var gc gcmCredentials
	if err := json.Unmarshal(c.credentials.Raw, &gc); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to parse GCM credentials: %w", err)
	}
	persistentIDs := append([]string(nil), c.credentials.PersistentIDs...)
	c.mu.Unlock()

	conn, err := c.dialMCSConn(ctx)
	if err != nil {
		return fmt.Errorf("MCS connect: %w", err)
	}

	mcs := newMCSClient(conn, gc.AndroidID, gc.SecurityToken, persistentIDs, c.logger)
	mcs.onConnected = func() {
		c.logger.Debug("MCS connected")
		if c.onConnected != nil {
			c.onConnected()
		}
	}
	mcs.onDisconnected = func(reason string) {
		c.logger.Debug("MCS disconnected", "reason", reason)
		if c.onDisconnected != nil {
			c.onDisconnected()
		}
	}
	mcs.onDataMessage = c.handleMCSMessage

	return mcs.connect(ctx)
}

// dialMCSConn dials mtalk.google.com:5228 over TLS, or uses the test hook.
func (c *Client) dialMCSConn(ctx context.Context) (io.ReadWriteCloser, error) {
	if c.dialMCS != nil {
		return c.dialMCS(ctx)
	}
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 30 * time.Second}}
	return d.DialContext(ctx, "tcp", "mtalk.google.com:5228")
}

// handleMCSMessage converts a DataMessageStanza and dispatches it.
func (c *Client) handleMCSMessage(stanza dataMessageStanza) {
	c.logger.Debug("MCS message received", "persistentId", stanza.PersistentID)

	appData := make(map[string]string, len(stanza.AppData))
	for _, kv := range stanza.AppData {
		appData[kv.Key] = kv.Value
	}

	msg := ParseRemoteMessage(stanza.From, stanza.ID, appData)
	msg.To = stanza.To
	msg.PersistentID = stanza.PersistentID
	msg.Category = stanza.Category
	if msg.CollapseKey == "" {
		msg.CollapseKey = stanza.Token
	}
	if stanza.TTL != 0 {
		msg.TTL = int(stanza.TTL)
	}
	if msg.SentTime.IsZero() && stanza.Sent > 0 {
		msg.SentTime = time.UnixMilli(stanza.Sent)
	}
	msg.RawData = stanza.RawData

	if len(appData) == 0 && len(msg.RawData) > 0 {
		c.logger.Warn("MCS message carries only encrypted raw data", "persistentId", stanza.PersistentID)
		if c.onError != nil {
			c.onError(fmt.Errorf("message %s: encrypted payloads are not supported", stanza.PersistentID))
		}
	}

	if c.onMessage != nil {
		c.onMessage(msg)
	}
	c.addPersistentID(stanza.PersistentID)
}

// maxPersistentIDs is the maximum number of persistent IDs to keep.
// Older IDs are pruned to prevent unbounded growth of the credential file
// and the MCS LoginRequest.ReceivedPersistentId field.
const maxPersistentIDs = 200

// addPersistentID appends a persistent ID and saves credentials.
// If the list exceeds maxPersistentIDs, older entries are pruned.
func (c *Client) addPersistentID(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return
	}
	c.credentials.PersistentIDs = append(c.credentials.PersistentIDs, id)
	if len(c.credentials.PersistentIDs) > maxPersistentIDs {
		c.credentials.PersistentIDs = c.credentials.PersistentIDs[len(c.credentials.PersistentIDs)-maxPersistentIDs:]
	}
	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save persistent IDs", "error", err)
	}
}

// PersistentIDs returns the list of processed message IDs.
func (c *Client) PersistentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return nil
	}
	return append([]string(nil), c.credentials.PersistentIDs...)
}

// CredentialsPath returns the path to the FCM credentials file.
func (c *Client) CredentialsPath() string {
	return filepath.Join(c.sessionDir, "fcm_credentials.json")
}

// loadCredentials reads FCM credentials from disk.
func (c *Client) loadCredentials() error {
	data, err := os.ReadFile(c.CredentialsPath())
	if err != nil {
		return err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parsing FCM credentials: %w", err)
	}
	c.credentials = &creds
	return nil
}

// saveCredentials writes FCM credentials to disk.
func (c *Client) saveCredentials() error {
	if c.credentials == nil {
		return fmt.Errorf("no credentials to save")
	}
	if err := os.MkdirAll(c.sessionDir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	data, err := json.MarshalIndent(c.credentials, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing FCM credentials: %w", err)
	}
	if err := os.WriteFile(c.CredentialsPath(), data, 0o600); err != nil {
		return fmt.Errorf("writing FCM credentials: %w", err)
	}
	c.logger.Debug("Saved FCM credentials", "path", c.CredentialsPath())
	return nil
}

// loggingHTTPClient returns the HTTP client wrapped with request/response
// logging when the logger is at Debug level.
func (c *Client) loggingHTTPClient() *http.Client {
	if !c.logger.Enabled(context.Background(), slog.LevelDebug) {
		return c.httpClient
	}
	transport := c.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: &loggingRoundTripper{inner: transport, logger: c.logger},
		Timeout:   c.httpClient.Timeout,
	}
}

// loggingRoundTripper logs every request and response passing through it.
// Authorization values are redacted.
type loggingRoundTripper struct {
	inner  http.RoundTripper
	logger *slog.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug(">>> "+req.Method, "url", req.URL.String())
	for k, v := range req.Header {
		val := strings.Join(v, ", ")
		if strings.EqualFold(k, "Authorization") {
			val = "[redacted]"
		}
		t.logger.Debug("  Request header", "key", k, "value", val)
	}
	if req.Body != nil && req.Body != http.NoBody {
		bodyBytes, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err == nil {
			t.logger.Debug("  Request body", "length", len(bodyBytes))
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		t.logger.Debug("<<< Error", "error", err)
		return nil, err
	}

	t.logger.Debug("<<< Response", "status", resp.StatusCode, "url", req.URL.String())
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr == nil {
		t.logger.Debug("  Response body", "length", len(respBody), "data", truncate(string(respBody), 200))
		resp.Body = io.NopCloser(bytes.NewReader(respBody))
	}
	return resp, nil
}

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
