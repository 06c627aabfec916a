// Package sender pushes messages to a device token through the Firebase
// Admin API. The CLI uses it to send a test message to its own token.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// DefaultPayloadKey matches the key the receiving dispatcher decodes.
const DefaultPayloadKey = "payload"

// ErrUnregistered reports a token FCM no longer accepts. The device should
// delete it and fetch a new one.
var ErrUnregistered = errors.New("sender: token is not registered")

// Overridden in tests.
var isUnregistered = messaging.IsUnregistered

// Message is a push message addressed to one device.
type Message struct {
	Title    string
	Body     string
	ImageURL string

	// Data is delivered as-is. Payload, when set, is encoded as JSON and
	// added under PayloadKey.
	Data       map[string]string
	Payload    any
	PayloadKey string

	ClickAction string
	Sound       string
	Tag         string
	Icon        string
	Color       string
	CollapseKey string
	TTL         time.Duration
	// Normal priority is used unless HighPriority is set.
	HighPriority bool
}

// Messenger is the subset of *messaging.Client Sender uses.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, message *messaging.Message) (string, error)
}

// Option configures Sender.
type Option func(*Sender)

// WithLogger sets a custom logger for Sender.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithDryRun validates messages without delivering them.
func WithDryRun() Option {
	return func(s *Sender) {
		s.dryRun = true
	}
}

// Sender sends messages through FCM.
type Sender struct {
	client Messenger
	logger *slog.Logger
	dryRun bool
}

// New creates a Sender authenticated with the service account in
// credentialsFile. An empty path uses Application Default Credentials.
func New(ctx context.Context, credentialsFile, projectID string, opts ...Option) (*Sender, error) {
	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, cfg, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating messaging client: %w", err)
	}
	return NewWithMessenger(client, opts...), nil
}

// NewWithMessenger creates a Sender over an existing messaging client.
func NewWithMessenger(client Messenger, opts ...Option) *Sender {
	s := &Sender{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers msg to token and returns the FCM message name.
func (s *Sender) Send(ctx context.Context, token string, msg Message) (string, error) {
	if token == "" {
		return "", errors.New("sender: empty token")
	}
	m, err := buildMessage(token, msg)
	if err != nil {
		return "", err
	}

	send := s.client.Send
	if s.dryRun {
		send = s.client.SendDryRun
	}
	id, err := send(ctx, m)
	if err != nil {
		if isUnregistered(err) {
			s.logger.Warn("FCM rejected token as unregistered", "token_prefix", truncate(token, 20))
			return "", fmt.Errorf("%w: %w", ErrUnregistered, err)
		}
		return "", fmt.Errorf("sending FCM message: %w", err)
	}

	s.logger.Info("FCM message sent", "id", id, "dry_run", s.dryRun, "token_prefix", truncate(token, 20))
	return id, nil
}

func buildMessage(token string, msg Message) (*messaging.Message, error) {
	data := maps.Clone(msg.Data)
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		key := msg.PayloadKey
		if key == "" {
			key = DefaultPayloadKey
		}
		if data == nil {
			data = map[string]string{}
		}
		data[key] = string(raw)
	}

	m := &messaging.Message{
		Token: token,
		Data:  data,
	}
	if msg.Title != "" || msg.Body != "" || msg.ImageURL != "" {
		m.Notification = &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		}
	}

	android := &messaging.AndroidConfig{
		CollapseKey: msg.CollapseKey,
		Priority:    "normal",
	}
	if msg.HighPriority {
		android.Priority = "high"
	}
	if msg.TTL > 0 {
		ttl := msg.TTL
		android.TTL = &ttl
	}
	if msg.ClickAction != "" || msg.Sound != "" || msg.Tag != "" || msg.Icon != "" || msg.Color != "" {
		android.Notification = &messaging.AndroidNotification{
			ClickAction: msg.ClickAction,
			Sound:       msg.Sound,
			Tag:         msg.Tag,
			Icon:        msg.Icon,
			Color:       msg.Color,
		}
	}
	m.Android = android
	return m, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
