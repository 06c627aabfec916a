package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/slush-dev/push-registry/fcm"
	"github.com/slush-dev/push-registry/internal/metrics"
)

// DefaultPayloadKey is the data key carrying the custom JSON payload.
const DefaultPayloadKey = "payload"

// Route is where Dispatch sent a message.
type Route string

const (
	RouteHandler Route = "handler"
	RouteDisplay Route = "display"
	RouteDropped Route = "dropped"
)

// Option configures Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger for Dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDisplayer sets the local notification collaborator.
func WithDisplayer(disp Displayer) Option {
	return func(d *Dispatcher) {
		d.displayer = disp
	}
}

// WithPayloadKey changes the data key holding the custom payload.
func WithPayloadKey(key string) Option {
	return func(d *Dispatcher) {
		if key != "" {
			d.payloadKey = key
		}
	}
}

// WithMetrics counts dispatched messages by route.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// Dispatcher routes remote messages to a Handler or a Displayer.
type Dispatcher struct {
	handler    Handler
	displayer  Displayer
	payloadKey string
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewDispatcher creates a Dispatcher delivering to h. A nil h drops
// messages that would go to a handler.
func NewDispatcher(h Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:    h,
		payloadKey: DefaultPayloadKey,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.displayer == nil {
		d.displayer = LogDisplayer{Logger: d.logger}
	}
	return d
}

// Dispatch routes msg:
//   - a payload that decodes to a JSON object goes to the handler;
//   - otherwise a message with a notification is displayed;
//   - anything else goes to the handler with raw data only.
//
// Malformed payloads are logged and never fail the dispatch. The returned
// error comes from the handler or displayer.
func (d *Dispatcher) Dispatch(ctx context.Context, msg fcm.RemoteMessage) (Route, error) {
	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	payload, payloadErr := d.decodePayload(msg)
	if payloadErr != nil {
		d.logger.Warn("Ignoring malformed push payload", "id", id, "key", d.payloadKey, "error", payloadErr)
	}

	if payload == nil && msg.Notification != nil {
		n := msg.Notification
		title, body := n.Title, n.Body
		if title == "" {
			title = n.TitleLocKey
		}
		if body == "" {
			body = n.BodyLocKey
		}
		action := n.ClickAction
		if action == "" {
			action = n.Link
		}

		d.metrics.ObserveMessage(string(RouteDisplay))
		if err := d.displayer.Show(ctx, id, title, body, action); err != nil {
			d.logger.Warn("Failed to show notification", "id", id, "error", err)
			return RouteDisplay, fmt.Errorf("showing notification %s: %w", id, err)
		}
		return RouteDisplay, nil
	}

	if d.handler == nil {
		d.metrics.ObserveMessage(string(RouteDropped))
		d.logger.Debug("No handler for push message, dropping", "id", id)
		return RouteDropped, nil
	}

	delivery := Delivery{
		ID:           id,
		From:         msg.From,
		SentTime:     msg.SentTime,
		Data:         msg.Data,
		Payload:      payload,
		PayloadErr:   payloadErr,
		Notification: msg.Notification,
	}
	d.metrics.ObserveMessage(string(RouteHandler))
	if err := d.handler.HandleDelivery(ctx, delivery); err != nil {
		d.logger.Warn("Push message handler failed", "id", id, "error", err)
		return RouteHandler, fmt.Errorf("handling message %s: %w", id, err)
	}
	return RouteHandler, nil
}

// decodePayload returns the decoded custom payload, nil if absent.
func (d *Dispatcher) decodePayload(msg fcm.RemoteMessage) (map[string]any, error) {
	raw, ok := msg.Data[d.payloadKey]
	if !ok || raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrParse)
	}
	return payload, nil
}
