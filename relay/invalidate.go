package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slush-dev/push-registry/registry"
)

// Registry is the part of registry.Registry needed to replace a token.
type Registry interface {
	Registration(ctx context.Context) (registry.Registration, error)
	DeleteToken(ctx context.Context) error
	Token(ctx context.Context, projectID string) (string, error)
}

// ReplaceToken deletes token and fetches a new one for projectID. A token
// that is no longer current is left alone and the current one is returned.
func ReplaceToken(ctx context.Context, reg Registry, projectID, token string) (string, error) {
	cur, err := reg.Registration(ctx)
	if err != nil {
		return "", fmt.Errorf("reading registration: %w", err)
	}
	if cur.Token != token {
		return cur.Token, nil
	}
	if err := reg.DeleteToken(ctx); err != nil {
		return "", fmt.Errorf("deleting invalidated token: %w", err)
	}
	fresh, err := reg.Token(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("fetching replacement token: %w", err)
	}
	return fresh, nil
}

// ReplaceOnInvalidation returns an OnTokenInvalidated handler calling
// ReplaceToken.
func ReplaceOnInvalidation(ctx context.Context, reg Registry, projectID string, logger *slog.Logger) func(string) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(token string) {
		fresh, err := ReplaceToken(ctx, reg, projectID, token)
		if err != nil {
			logger.Error("Failed to replace invalidated token", "error", err)
			return
		}
		if fresh != token {
			logger.Info("Replaced invalidated push token", "token_prefix", truncate(fresh, 20))
		}
	}
}
