// Package notify routes incoming push messages to the application.
//
// A message whose custom payload decodes is handed to a Handler. When the
// payload is missing or malformed and the message carries a notification
// block, the notification is shown through a Displayer instead.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/slush-dev/push-registry/fcm"
)

// ErrParse reports a custom payload that is not a JSON object.
var ErrParse = errors.New("notify: malformed payload")

// Delivery is a message forwarded to a Handler.
type Delivery struct {
	ID           string
	From         string
	SentTime     time.Time
	Data         map[string]string
	Payload      map[string]any // nil when the message has no usable payload
	PayloadErr   error          // set when a payload was present but malformed
	Notification *fcm.Notification
}

// Handler receives deliveries.
type Handler interface {
	HandleDelivery(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

func (f HandlerFunc) HandleDelivery(ctx context.Context, d Delivery) error { return f(ctx, d) }

// MultiHandler delivers to every handler in order and joins their errors.
func MultiHandler(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, d Delivery) error {
		var errs []error
		for _, h := range handlers {
			if err := h.HandleDelivery(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Displayer shows a local notification.
type Displayer interface {
	Show(ctx context.Context, id, title, body, action string) error
}

// DisplayerFunc adapts a function to Displayer.
type DisplayerFunc func(ctx context.Context, id, title, body, action string) error

func (f DisplayerFunc) Show(ctx context.Context, id, title, body, action string) error {
	return f(ctx, id, title, body, action)
}

// LogDisplayer "shows" notifications by logging them. It is the default
// Displayer for headless processes.
type LogDisplayer struct {
	Logger *slog.Logger
}

func (l LogDisplayer) Show(_ context.Context, id, title, body, action string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Notification", "id", id, "title", title, "body", body, "action", action)
	return nil
}
