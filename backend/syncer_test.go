package backend

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slush-dev/push-registry/registry"
	"github.com/slush-dev/push-registry/store"
)

// tokenSource is a registry.Fetcher handing out a settable token.
type tokenSource struct {
	mu    sync.Mutex
	token string
}

func (s *tokenSource) FetchToken(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *tokenSource) DeleteToken(context.Context, string) error { return nil }

func (s *tokenSource) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func noRetry() backoff.BackOff { return &backoff.StopBackOff{} }

type syncFixture struct {
	reg    *registry.Registry
	src    *tokenSource
	server *fakeServer
	syncer *Syncer
}

func newSyncFixture(t *testing.T, opts ...SyncerOption) *syncFixture {
	t.Helper()
	src := &tokenSource{token: "tok-1"}
	reg := registry.New(store.NewMemory(), src,
		registry.WithLogger(quietLogger()),
		registry.WithRefreshBackOff(noRetry))
	t.Cleanup(func() { _ = reg.Close() })

	fs, srv := newFakeServer(t)
	api := NewClient(srv.URL, WithLogger(quietLogger()))
	opts = append([]SyncerOption{WithSyncLogger(quietLogger()), WithSyncBackOff(noRetry)}, opts...)
	s := NewSyncer(reg, api, SyncerConfig{InstanceID: "inst-1", ProjectID: "proj", AppVersion: "2.0"}, opts...)
	t.Cleanup(func() { _ = s.Close() })

	return &syncFixture{reg: reg, src: src, server: fs, syncer: s}
}

func (f *syncFixture) puts() []recordedRequest {
	var out []recordedRequest
	for _, r := range f.server.recorded() {
		if r.Method == http.MethodPut {
			out = append(out, r)
		}
	}
	return out
}

func TestSync_RegistersNewToken(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	res, err := f.syncer.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Token: "tok-1", Registered: true}, res)

	d, ok := f.server.device("inst-1")
	require.True(t, ok)
	assert.Equal(t, Device{InstanceID: "inst-1", Token: "tok-1", ProjectID: "proj", Platform: PlatformAndroid, AppVersion: "2.0"}, d)
	assert.True(t, f.reg.IsRegistered(ctx))
	assert.False(t, f.reg.IsTokenStale(ctx))
}

func TestSync_SkipsWhenAlreadyRegistered(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)
	res, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)

	assert.Equal(t, SyncResult{Token: "tok-1"}, res)
	assert.Len(t, f.puts(), 1)
}

func TestSync_ResendsStaleToken(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)

	f.src.set("tok-2")
	require.NoError(t, f.reg.OnTokenReceived(ctx, "tok-2"))
	require.True(t, f.reg.IsTokenStale(ctx))
	require.False(t, f.reg.IsRegistered(ctx))

	res, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Token: "tok-2", Registered: true}, res)
	assert.False(t, f.reg.IsTokenStale(ctx))
	assert.True(t, f.reg.IsRegistered(ctx))

	d, _ := f.server.device("inst-1")
	assert.Equal(t, "tok-2", d.Token)
}

func TestSync_RetriesTemporaryFailures(t *testing.T) {
	f := newSyncFixture(t, WithSyncBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}))
	f.server.failNext(http.StatusServiceUnavailable, http.StatusTooManyRequests)

	res, err := f.syncer.Sync(context.Background(), "proj")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Len(t, f.puts(), 3)
}

func TestSync_PermanentFailureIsNotRetried(t *testing.T) {
	f := newSyncFixture(t, WithSyncBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}))
	f.server.failNext(http.StatusForbidden)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Len(t, f.puts(), 1)
	assert.False(t, f.reg.IsRegistered(ctx))
}

func TestSync_FetchFailure(t *testing.T) {
	f := newSyncFixture(t)
	f.src.set("")

	_, err := f.syncer.Sync(context.Background(), "proj")
	assert.ErrorIs(t, err, registry.ErrFetchFailed)
	assert.Empty(t, f.server.recorded())
}

func TestSync_RequiresConfiguration(t *testing.T) {
	reg := registry.New(store.NewMemory(), &tokenSource{token: "t"}, registry.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = reg.Close() })

	s := NewSyncer(reg, NewClient("http://127.0.0.1:0"), SyncerConfig{InstanceID: "i"}, WithSyncLogger(quietLogger()))
	_, err := s.Sync(context.Background(), "")
	assert.Error(t, err)

	s = NewSyncer(reg, NewClient("http://127.0.0.1:0"), SyncerConfig{ProjectID: "p"}, WithSyncLogger(quietLogger()))
	_, err = s.Sync(context.Background(), "")
	assert.Error(t, err)
}

// rotatingAPI swaps the registry's token while the registration request
// is in flight.
type rotatingAPI struct {
	reg  *registry.Registry
	src  *tokenSource
	sent []string
}

func (a *rotatingAPI) RegisterDevice(ctx context.Context, d Device) error {
	a.sent = append(a.sent, d.Token)
	if len(a.sent) == 1 {
		a.src.set("rotated")
		return a.reg.OnTokenReceived(ctx, "rotated")
	}
	return nil
}

func (a *rotatingAPI) DeleteDevice(context.Context, string) error { return nil }

func TestSync_DoesNotAcknowledgeRotatedToken(t *testing.T) {
	src := &tokenSource{token: "tok-1"}
	reg := registry.New(store.NewMemory(), src,
		registry.WithLogger(quietLogger()), registry.WithRefreshBackOff(noRetry))
	t.Cleanup(func() { _ = reg.Close() })
	api := &rotatingAPI{reg: reg, src: src}
	s := NewSyncer(reg, api, SyncerConfig{InstanceID: "i", ProjectID: "p"}, WithSyncLogger(quietLogger()))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	res, err := s.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)
	assert.False(t, reg.IsRegistered(ctx))
	assert.True(t, reg.IsTokenStale(ctx))

	res, err = s.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "rotated", res.Token)
	assert.True(t, reg.IsRegistered(ctx))
	assert.Equal(t, []string{"tok-1", "rotated"}, api.sent)
}

type recordingAPI struct{ sent []string }

func (a *recordingAPI) RegisterDevice(_ context.Context, d Device) error {
	a.sent = append(a.sent, d.Token)
	return nil
}

func (a *recordingAPI) DeleteDevice(context.Context, string) error { return nil }

// lateRotation rotates the token just before the Syncer acknowledges it.
type lateRotation struct {
	*registry.Registry
	src     *tokenSource
	rotated bool
}

func (l *lateRotation) Acknowledge(ctx context.Context, token string) (bool, error) {
	if !l.rotated {
		l.rotated = true
		l.src.set("tok-2")
		if err := l.Registry.OnTokenReceived(ctx, "tok-2"); err != nil {
			return false, err
		}
	}
	return l.Registry.Acknowledge(ctx, token)
}

func TestSync_RotationBeforeAcknowledgeIsResent(t *testing.T) {
	src := &tokenSource{token: "tok-1"}
	reg := registry.New(store.NewMemory(), src,
		registry.WithLogger(quietLogger()), registry.WithRefreshBackOff(noRetry))
	t.Cleanup(func() { _ = reg.Close() })
	api := &recordingAPI{}
	wrapped := &lateRotation{Registry: reg, src: src}
	s := NewSyncer(wrapped, api, SyncerConfig{InstanceID: "i", ProjectID: "p"}, WithSyncLogger(quietLogger()))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	res, err := s.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)

	r, err := reg.Registration(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", r.Token)
	assert.False(t, r.IsRegistered, "tok-2 was never sent")
	assert.True(t, r.IsStale)

	res, err = s.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", res.Token)
	assert.True(t, res.Registered)
	assert.True(t, reg.IsRegistered(ctx))
	assert.Equal(t, []string{"tok-1", "tok-2"}, api.sent)
}

func TestSyncer_Unregister(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)
	require.NoError(t, f.syncer.Unregister(ctx))

	_, ok := f.server.device("inst-1")
	assert.False(t, ok)
	assert.False(t, f.reg.IsRegistered(ctx))

	// A later sync registers again.
	res, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, res.Registered)
}

func TestSyncer_UnregisterBackendFailureKeepsFlag(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)
	f.server.failNext(http.StatusBadGateway)

	err = f.syncer.Unregister(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, f.reg.IsRegistered(ctx))
}

func TestSyncer_ResyncsOnTokenChange(t *testing.T) {
	f := newSyncFixture(t)
	f.reg.AddListener(f.syncer)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)

	f.src.set("tok-2")
	require.NoError(t, f.reg.OnTokenReceived(ctx, "tok-2"))
	require.Eventually(t, func() bool {
		d, ok := f.server.device("inst-1")
		return ok && d.Token == "tok-2" && f.reg.IsRegistered(ctx)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.reg.IsTokenStale(ctx))
}

func TestSyncer_IgnoresReannouncementOfSyncedToken(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, "proj")
	require.NoError(t, err)

	f.syncer.OnTokenChanged("", "tok-1")
	require.NoError(t, f.syncer.Close())
	assert.Len(t, f.puts(), 1)
}

func TestSyncer_CloseStopsScheduling(t *testing.T) {
	f := newSyncFixture(t)
	require.NoError(t, f.syncer.Close())
	require.NoError(t, f.syncer.Close())

	f.syncer.OnTokenChanged("old", "new")
	assert.Empty(t, f.server.recorded())
}
