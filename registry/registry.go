// Package registry tracks the push-registration token of one app
// installation: it persists the token delivered by the push SDK, detects
// token rotation and backend project changes, and records whether the
// application backend has acknowledged the current token.
//
// Usage:
//
//	reg := registry.New(st, fcmClient, registry.WithLogger(logger))
//	defer reg.Close()
//	reg.AddListener(registry.ListenerFunc(func(prev, cur string) { ... }))
//	token, err := reg.Token(ctx, senderID)
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/slush-dev/push-registry/internal/metrics"
	"github.com/slush-dev/push-registry/store"
)

const (
	// DefaultFetchTimeout bounds a synchronous token fetch.
	DefaultFetchTimeout = 30 * time.Second

	// defaultRefreshMaxElapsed bounds the retries of one background refresh.
	defaultRefreshMaxElapsed = 2 * time.Minute
)

var (
	// ErrEmptyToken is returned when the SDK delivers an empty token.
	ErrEmptyToken = errors.New("registry: empty token")
	// ErrFetchFailed wraps every failure of a synchronous token fetch.
	ErrFetchFailed = errors.New("registry: token fetch failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry: closed")
	// ErrSuperseded is returned for an SDK token delivered while a fetch
	// started before the last reset is still running. Such a token may have
	// been issued for the previous project or be the one just deleted.
	ErrSuperseded = errors.New("registry: token from a superseded fetch")

	errReset = errors.New("registration reset during fetch")
)

// Fetcher is the push SDK seen from the registry.
type Fetcher interface {
	// FetchToken obtains a fresh token issued for projectID.
	FetchToken(ctx context.Context, projectID string) (string, error)
	// DeleteToken invalidates the remote registration for projectID.
	DeleteToken(ctx context.Context, projectID string) error
}

// Option configures Registry.
type Option func(*Registry)

// WithLogger sets a custom logger for Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFetchTimeout bounds synchronous and background fetches.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithRefreshBackOff sets the retry policy of background refreshes. The
// factory is called once per refresh.
func WithRefreshBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Registry) {
		r.newBackOff = newBackOff
	}
}

// WithMetrics records registry activity in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = c
	}
}

// WithAnnounceEveryCall re-announces the cached token to listeners on every
// Token call instead of only when it differs from the last announced value.
func WithAnnounceEveryCall() Option {
	return func(r *Registry) {
		r.announceEveryCall = true
	}
}

// WithListener registers l at construction time.
func WithListener(l Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// Registry owns the Registration of one installation.
type Registry struct {
	store             store.Store
	fetcher           Fetcher
	logger            *slog.Logger
	metrics           *metrics.Collector
	fetchTimeout      time.Duration
	newBackOff        func() backoff.BackOff
	announceEveryCall bool

	// mu guards every read-modify-write of the persisted registration and
	// the fields below it.
	mu            sync.Mutex
	epoch         uint64
	inflight      map[uint64]int // running SDK fetches by starting epoch
	lastAnnounced string
	closed        bool

	notifyMu    sync.Mutex
	listenersMu sync.RWMutex
	listeners   []Listener

	fetches    singleflight.Group
	refreshing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Registry persisting into st and fetching through f.
func New(st store.Store, f Fetcher, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:        st,
		fetcher:      f,
		logger:       slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
		inflight:     make(map[uint64]int),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = defaultRefreshMaxElapsed
			return b
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops background refreshes and waits for them to exit. The store is
// owned by the caller and is not closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// OnTokenReceived records a token issued by the push SDK. An empty token is
// logged and rejected without touching persisted state. Redelivery of the
// current token changes nothing and notifies nobody.
func (r *Registry) OnTokenReceived(ctx context.Context, token string) error {
	if token == "" {
		r.logger.Warn("Ignoring empty push token from SDK")
		return ErrEmptyToken
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.supersededFetchLocked() {
		r.mu.Unlock()
		r.logger.Info("Ignoring push token delivered during a superseded fetch",
			"token_prefix", truncate(token, 20))
		return ErrSuperseded
	}
	change, err := r.applyTokenLocked(ctx, token)
	r.unlockAndNotify(change)
	return err
}

// OnNewToken lets the registry observe the push SDK directly.
func (r *Registry) OnNewToken(token string) {
	err := r.OnTokenReceived(r.ctx, token)
	if err != nil && !errors.Is(err, ErrEmptyToken) && !errors.Is(err, ErrSuperseded) {
		r.logger.Error("Failed to record push token", "error", err)
	}
}

// Token returns the current token for projectID, fetching one if needed.
//
// A project change (or no recorded project) invalidates the cached token. A
// valid cached token is returned at once, re-announced to listeners and
// refreshed in the background. Otherwise the caller blocks on a fetch bounded
// by ctx and the fetch timeout; on failure Token returns "" and an error
// wrapping ErrFetchFailed.
func (r *Registry) Token(ctx context.Context, projectID string) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}

	cached, err := r.cachedTokenLocked(ctx, projectID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	epoch := r.epoch

	if cached != "" {
		change := r.announceLocked(cached)
		r.startRefreshLocked(projectID, epoch)
		r.unlockAndNotify(change)
		return cached, nil
	}
	r.mu.Unlock()

	return r.fetch(ctx, projectID, epoch)
}

// IsRegistered reports whether the application backend acknowledged the
// current token. Read failures are logged and read as false.
func (r *Registry) IsRegistered(ctx context.Context) bool {
	return r.readFlag(ctx, KeyIsRegistered)
}

// SetRegistered records the application backend's acknowledgment.
func (r *Registry) SetRegistered(ctx context.Context, registered bool) error {
	return r.writeFlag(ctx, KeyIsRegistered, registered)
}

// Unregister clears the registered flag.
func (r *Registry) Unregister(ctx context.Context) error {
	return r.writeFlag(ctx, KeyIsRegistered, false)
}

// IsTokenStale reports whether the last update replaced a different
// non-empty token that callers have not acknowledged yet.
func (r *Registry) IsTokenStale(ctx context.Context) bool {
	return r.readFlag(ctx, KeyIsStale)
}

// ClearStale acknowledges that callers have acted on the current token.
func (r *Registry) ClearStale(ctx context.Context) error {
	return r.writeFlag(ctx, KeyIsStale, false)
}

// Acknowledge records that the application backend received token: it sets
// the registered flag and clears the stale flag in one step. It reports
// false and changes nothing when token is no longer the current token.
func (r *Registry) Acknowledge(ctx context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}

	current, _, err := r.store.GetString(ctx, KeyToken)
	if err != nil {
		return false, fmt.Errorf("reading cached token: %w", err)
	}
	if token == "" || current != token {
		r.logger.Debug("Not acknowledging a token that is no longer current",
			"token_prefix", truncate(token, 20), "current_prefix", truncate(current, 20))
		return false, nil
	}

	if err := errors.Join(
		r.store.PutBool(ctx, KeyIsRegistered, true),
		r.store.PutBool(ctx, KeyIsStale, false),
	); err != nil {
		r.logger.Warn("Failed to persist acknowledgment", "error", err)
		return false, fmt.Errorf("persisting acknowledgment: %w", err)
	}
	return true, nil
}

// DeleteToken clears the cached token and asks the SDK to invalidate the
// remote registration. Fetches already in flight are discarded.
func (r *Registry) DeleteToken(ctx context.Context) error {
	r.mu.Lock()
	projectID, _, err := r.store.GetString(ctx, KeyProjectID)
	if err == nil {
		err = r.resetLocked(ctx)
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("Failed to clear cached push token", "error", err)
		return fmt.Errorf("clearing cached token: %w", err)
	}

	r.logger.Info("Deleting push token", "project_id", projectID)
	if err := r.fetcher.DeleteToken(ctx, projectID); err != nil {
		r.logger.Warn("Push SDK failed to delete remote token", "error", err)
		return fmt.Errorf("deleting remote token: %w", err)
	}
	return nil
}

// applyTokenLocked persists token as the current token. It returns the
// change to deliver, or nil when token is already current.
func (r *Registry) applyTokenLocked(ctx context.Context, token string) (*tokenChange, error) {
	// Persist even if the caller gives up right after the SDK answered.
	ctx = context.WithoutCancel(ctx)

	prior, _, err := r.store.GetString(ctx, KeyToken)
	if err != nil {
		return nil, fmt.Errorf("reading cached token: %w", err)
	}
	if prior == token {
		r.logger.Debug("Push token unchanged", "token_prefix", truncate(token, 20))
		return nil, nil
	}

	if err := r.store.PutString(ctx, KeyToken, token); err != nil {
		r.logger.Warn("Failed to persist push token", "error", err)
		return nil, fmt.Errorf("persisting token: %w", err)
	}
	change := &tokenChange{previous: prior, current: token}
	r.lastAnnounced = token
	r.metrics.ObserveTokenUpdate()

	wasUpdated := prior != ""
	flagErr := errors.Join(
		r.store.PutBool(ctx, KeyIsStale, wasUpdated),
		r.store.PutBool(ctx, KeyIsRegistered, false),
	)
	if flagErr != nil {
		r.logger.Warn("Failed to persist registration flags", "error", flagErr)
		flagErr = fmt.Errorf("persisting registration flags: %w", flagErr)
	}

	r.logger.Info("Push token updated",
		"token_prefix", truncate(token, 20),
		"rotated", wasUpdated,
	)
	return change, flagErr
}

// cachedTokenLocked returns the cached token if it was issued for projectID,
// invalidating the registration otherwise.
func (r *Registry) cachedTokenLocked(ctx context.Context, projectID string) (string, error) {
	last, ok, err := r.store.GetString(ctx, KeyProjectID)
	if err != nil {
		return "", fmt.Errorf("reading project id: %w", err)
	}
	token, hasToken, err := r.store.GetString(ctx, KeyToken)
	if err != nil {
		return "", fmt.Errorf("reading cached token: %w", err)
	}
	if ok && last == projectID {
		return token, nil
	}
	if !ok && !hasToken {
		// Nothing cached yet. Keeping the epoch lets concurrent first
		// callers share one fetch.
		return "", nil
	}

	r.logger.Info("Push project changed, invalidating cached token",
		"previous_project", last,
		"project", projectID,
	)
	if err := r.resetLocked(ctx); err != nil {
		r.logger.Warn("Failed to clear cached push token", "error", err)
		return "", fmt.Errorf("clearing cached token: %w", err)
	}
	return "", nil
}

// resetLocked moves the registration back to the unknown state and forgets
// the project the token was issued for.
func (r *Registry) resetLocked(ctx context.Context) error {
	r.epoch++
	r.lastAnnounced = ""
	return errors.Join(
		r.store.Remove(ctx, KeyToken),
		r.store.Remove(ctx, KeyProjectID),
		r.store.PutBool(ctx, KeyIsRegistered, false),
		r.store.PutBool(ctx, KeyIsStale, false),
	)
}

func (r *Registry) announceLocked(token string) *tokenChange {
	if !r.announceEveryCall && r.lastAnnounced == token {
		return nil
	}
	r.lastAnnounced = token
	r.metrics.ObserveAnnouncement()
	r.logger.Debug("Announcing cached push token", "token_prefix", truncate(token, 20))
	return &tokenChange{current: token}
}

// fetch blocks on a token fetch. Concurrent callers for the same project and
// epoch share one SDK call.
func (r *Registry) fetch(ctx context.Context, projectID string, epoch uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	key := fmt.Sprintf("%s#%d", projectID, epoch)
	ch := r.fetches.DoChan(key, func() (any, error) {
		// Detached from any single caller; bounded by the registry lifecycle.
		fctx, fcancel := context.WithTimeout(r.ctx, r.fetchTimeout)
		defer fcancel()
		if !r.beginFetch(epoch) {
			return "", errReset
		}
		defer r.endFetch(epoch)
		r.logger.Debug("Fetching push token", "project_id", projectID)
		return r.fetcher.FetchToken(fctx, projectID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		r.metrics.ObserveFetch("timeout")
		r.logger.Warn("Push token fetch did not complete", "project_id", projectID, "error", ctx.Err())
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
	case res = <-ch:
	}

	if res.Err != nil {
		r.metrics.ObserveFetch("error")
		r.logger.Warn("Push token fetch failed", "project_id", projectID, "error", res.Err)
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, res.Err)
	}
	token, _ := res.Val.(string)
	if token == "" {
		r.metrics.ObserveFetch("empty")
		r.logger.Warn("Push SDK returned an empty token", "project_id", projectID)
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, ErrEmptyToken)
	}

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		r.metrics.ObserveFetch("discarded")
		r.logger.Warn("Registration reset during fetch, discarding token", "project_id", projectID)
		return "", fmt.Errorf("%w: registration reset during fetch", ErrFetchFailed)
	}
	change, err := r.applyTokenLocked(ctx, token)
	if err == nil {
		if perr := r.store.PutString(context.WithoutCancel(ctx), KeyProjectID, projectID); perr != nil {
			r.logger.Warn("Failed to persist project id", "error", perr)
			err = fmt.Errorf("persisting project id: %w", perr)
		}
	}
	r.unlockAndNotify(change)
	if err != nil {
		r.metrics.ObserveFetch("error")
		return "", err
	}

	r.metrics.ObserveFetch("ok")
	return token, nil
}

// startRefreshLocked launches a background refresh unless one is running.
// Its result only updates persisted state, never the current caller.
func (r *Registry) startRefreshLocked(projectID string, epoch uint64) {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.refreshing.Store(false)
		r.refresh(projectID, epoch)
	}()
}

func (r *Registry) refresh(projectID string, epoch uint64) {
	var token string
	op := func() error {
		// A reset since the refresh started makes every further attempt
		// pointless: the result would be discarded.
		if !r.beginFetch(epoch) {
			return backoff.Permanent(errReset)
		}
		defer r.endFetch(epoch)
		ctx, cancel := context.WithTimeout(r.ctx, r.fetchTimeout)
		defer cancel()
		t, err := r.fetcher.FetchToken(ctx, projectID)
		if err != nil {
			return err
		}
		if t == "" {
			return backoff.Permanent(ErrEmptyToken)
		}
		token = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("Background token refresh failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), r.ctx), notify); err != nil {
		if r.ctx.Err() != nil {
			r.metrics.ObserveRefresh("cancelled")
			return
		}
		if errors.Is(err, errReset) {
			r.metrics.ObserveRefresh("discarded")
			r.logger.Debug("Registration changed during refresh, stopping", "project_id", projectID)
			return
		}
		r.metrics.ObserveRefresh("error")
		r.logger.Warn("Background token refresh failed", "project_id", projectID, "error", err)
		return
	}

	r.mu.Lock()
	if r.closed || r.epoch != epoch {
		r.mu.Unlock()
		r.metrics.ObserveRefresh("discarded")
		r.logger.Debug("Registration changed during refresh, discarding token")
		return
	}
	change, err := r.applyTokenLocked(r.ctx, token)
	r.unlockAndNotify(change)
	if err != nil {
		r.metrics.ObserveRefresh("error")
		r.logger.Warn("Failed to record refreshed token", "error", err)
		return
	}
	r.metrics.ObserveRefresh("ok")
}

// beginFetch records an SDK fetch started for epoch. It reports false when
// the registration was reset since, in which case nothing is recorded.
func (r *Registry) beginFetch(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.epoch != epoch {
		return false
	}
	r.inflight[epoch]++
	return true
}

func (r *Registry) endFetch(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[epoch]--; r.inflight[epoch] <= 0 {
		delete(r.inflight, epoch)
	}
}

// supersededFetchLocked reports whether an SDK fetch started before the last
// reset is still running.
func (r *Registry) supersededFetchLocked() bool {
	for epoch := range r.inflight {
		if epoch != r.epoch {
			return true
		}
	}
	return false
}

func (r *Registry) readFlag(ctx context.Context, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _, err := r.store.GetBool(ctx, key)
	if err != nil {
		r.logger.Warn("Failed to read registration flag", "key", key, "error", err)
		return false
	}
	return v
}

func (r *Registry) writeFlag(ctx context.Context, key string, v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.PutBool(ctx, key, v); err != nil {
		r.logger.Warn("Failed to persist registration flag", "key", key, "error", err)
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	return nil
}

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
