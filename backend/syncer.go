package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/slush-dev/push-registry/registry"
)

const (
	// PlatformAndroid is reported for tokens issued by the FCM Android
	// registration flow.
	PlatformAndroid = "android"

	defaultSyncTimeout = time.Minute
)

// Registry is the part of registry.Registry the Syncer drives.
type Registry interface {
	Token(ctx context.Context, projectID string) (string, error)
	Registration(ctx context.Context) (registry.Registration, error)
	Acknowledge(ctx context.Context, token string) (bool, error)
	Unregister(ctx context.Context) error
}

// API is the application server as seen by the Syncer.
type API interface {
	RegisterDevice(ctx context.Context, d Device) error
	DeleteDevice(ctx context.Context, instanceID string) error
}

// SyncerConfig identifies this installation to the application server.
type SyncerConfig struct {
	// InstanceID names the installation. NewInstanceID creates one.
	InstanceID string
	ProjectID  string
	Platform   string
	AppVersion string
}

// NewInstanceID returns a fresh installation identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// SyncResult describes what Sync did.
type SyncResult struct {
	Token string
	// Registered is true when Sync sent the token to the server. It is
	// false when the server already had it.
	Registered bool
}

// SyncerOption configures Syncer.
type SyncerOption func(*Syncer)

// WithSyncLogger sets a custom logger for Syncer.
func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithSyncBackOff sets the retry policy for temporary server failures.
func WithSyncBackOff(newBackOff func() backoff.BackOff) SyncerOption {
	return func(s *Syncer) {
		s.newBackOff = newBackOff
	}
}

// WithSyncTimeout bounds background resyncs.
func WithSyncTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Syncer keeps the application server's registration in step with the
// registry: it sends the token whenever the registry reports it as not
// registered or stale, and records the server's acknowledgment.
type Syncer struct {
	reg        Registry
	api        API
	cfg        SyncerConfig
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	timeout    time.Duration

	// mu serializes syncs so acknowledgments are recorded in order.
	mu sync.Mutex

	lastSynced atomic.Value // string
	pending    atomic.Bool

	lifeMu sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncer creates a Syncer. An empty cfg.Platform defaults to
// PlatformAndroid.
func NewSyncer(reg Registry, api API, cfg SyncerConfig, opts ...SyncerOption) *Syncer {
	if cfg.Platform == "" {
		cfg.Platform = PlatformAndroid
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		reg:     reg,
		api:     api,
		cfg:     cfg,
		logger:  slog.Default(),
		timeout: defaultSyncTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync makes sure the server holds the current token for projectID. An
// empty projectID uses the configured one.
func (s *Syncer) Sync(ctx context.Context, projectID string) (SyncResult, error) {
	if projectID == "" {
		projectID = s.cfg.ProjectID
	}
	if projectID == "" {
		return SyncResult{}, errors.New("backend: no project configured")
	}
	if s.cfg.InstanceID == "" {
		return SyncResult{}, errors.New("backend: no instance ID configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.reg.Token(ctx, projectID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("getting push token: %w", err)
	}

	reg, err := s.reg.Registration(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("reading registration: %w", err)
	}
	if reg.Token == token && reg.IsRegistered && !reg.IsStale {
		s.lastSynced.Store(token)
		s.logger.Debug("Push token already registered", "token_prefix", truncate(token, 20))
		return SyncResult{Token: token}, nil
	}

	device := Device{
		InstanceID: s.cfg.InstanceID,
		Token:      token,
		ProjectID:  projectID,
		Platform:   s.cfg.Platform,
		AppVersion: s.cfg.AppVersion,
	}
	if err := s.register(ctx, device); err != nil {
		return SyncResult{Token: token}, err
	}

	// The token may have rotated while the request was in flight. Only
	// the token the server actually received is acknowledged.
	acked, err := s.reg.Acknowledge(ctx, token)
	if err != nil {
		return SyncResult{Token: token, Registered: true}, fmt.Errorf("recording registration: %w", err)
	}
	if !acked {
		s.logger.Info("Push token rotated during sync, not acknowledging", "sent_prefix", truncate(token, 20))
		return SyncResult{Token: token, Registered: true}, nil
	}
	s.lastSynced.Store(token)

	s.logger.Info("Push token registered with backend", "instance_id", s.cfg.InstanceID, "token_prefix", truncate(token, 20))
	return SyncResult{Token: token, Registered: true}, nil
}

func (s *Syncer) register(ctx context.Context, d Device) error {
	op := func() error {
		err := s.api.RegisterDevice(ctx, d)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Device registration failed, retrying", "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
}

// Unregister removes the installation from the server and clears the
// registry's registered flag.
func (s *Syncer) Unregister(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.api.DeleteDevice(ctx, s.cfg.InstanceID); err != nil {
		return err
	}
	s.lastSynced.Store("")
	if err := s.reg.Unregister(ctx); err != nil {
		return fmt.Errorf("clearing registration: %w", err)
	}
	s.logger.Info("Device unregistered from backend", "instance_id", s.cfg.InstanceID)
	return nil
}

// OnTokenChanged schedules a background resync. Re-announcements of the
// token that was last synced are ignored, and changes arriving while a
// resync is queued collapse into it.
func (s *Syncer) OnTokenChanged(previous, current string) {
	if current == "" {
		return
	}
	if previous == "" && s.isLastSynced(current) {
		return
	}
	if !s.pending.CompareAndSwap(false, true) {
		return
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		s.pending.Store(false)
		return
	}
	s.wg.Add(1)
	go s.resync()
}

func (s *Syncer) resync() {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	s.pending.Store(false)
	if _, err := s.Sync(ctx, ""); err != nil {
		s.logger.Warn("Background backend sync failed", "error", err)
	}
}

func (s *Syncer) isLastSynced(token string) bool {
	last, _ := s.lastSynced.Load().(string)
	return last == token
}

// Close cancels background resyncs and waits for them to exit.
func (s *Syncer) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	s.lifeMu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
