package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slush-dev/push-registry/backend"
	"github.com/slush-dev/push-registry/config"
	"github.com/slush-dev/push-registry/fcm"
	"github.com/slush-dev/push-registry/notify"
)

type staticFetcher struct{ token string }

func (f staticFetcher) FetchToken(context.Context, string) (string, error) { return f.token, nil }
func (f staticFetcher) DeleteToken(context.Context, string) error          { return nil }

type settableFetcher struct {
	mu    sync.Mutex
	token string
}

func (f *settableFetcher) FetchToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *settableFetcher) DeleteToken(context.Context, string) error { return nil }

func (f *settableFetcher) set(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

type fakeAPI struct {
	mu      sync.Mutex
	devices []backend.Device
}

func (a *fakeAPI) RegisterDevice(_ context.Context, d backend.Device) error {
	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) DeleteDevice(context.Context, string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.ProjectID = "123"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := Open(context.Background(), cfg, quietLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpen_WiresRegistry(t *testing.T) {
	a := openTestApp(t, testConfig(t), WithFetcher(staticFetcher{token: "tok"}))

	tok, err := a.Registry.Token(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestOpen_SDKObserverFeedsRegistry(t *testing.T) {
	a := openTestApp(t, testConfig(t))

	// The FCM client reports new tokens to the registry it was wired to.
	a.Registry.OnNewToken("from-sdk")
	r, err := a.Registry.Registration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-sdk", r.Token)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "etcd"
	_, err := Open(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestOpen_FCMOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.FCM.AppPackage = "com.example"
	cfg.FCM.AppCertSHA1 = "abc"
	a := openTestApp(t, cfg, WithFCMOptions(fcm.WithTokenMaxAge(time.Hour)))
	assert.NotNil(t, a.FCM)
}

func TestProjectID(t *testing.T) {
	cfg := testConfig(t)
	a := openTestApp(t, cfg, WithFetcher(staticFetcher{}))

	id, err := a.ProjectID("")
	require.NoError(t, err)
	assert.Equal(t, "123", id)

	id, err = a.ProjectID("override")
	require.NoError(t, err)
	assert.Equal(t, "override", id)

	cfg.ProjectID = ""
	_, err = a.ProjectID("")
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestInstanceID(t *testing.T) {
	ctx := context.Background()
	a := openTestApp(t, testConfig(t), WithFetcher(staticFetcher{}))

	first, err := a.InstanceID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	second, err := a.InstanceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	a.Config.Backend.InstanceID = "configured"
	id, err := a.InstanceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "configured", id)
}

func TestSyncer_RequiresBackend(t *testing.T) {
	a := openTestApp(t, testConfig(t), WithFetcher(staticFetcher{token: "t"}))
	_, err := a.Syncer(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestSyncer_RegistersAndFollowsTokenChanges(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	f := &settableFetcher{token: "tok-1"}
	a := openTestApp(t, testConfig(t), WithFetcher(f), WithBackendAPI(api))

	s, err := a.Syncer(ctx)
	require.NoError(t, err)
	same, err := a.Syncer(ctx)
	require.NoError(t, err)
	assert.Same(t, s, same)

	res, err := s.Sync(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.True(t, a.Registry.IsRegistered(ctx))

	f.set("tok-2")
	require.NoError(t, a.Registry.OnTokenReceived(ctx, "tok-2"))
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.devices) > 0 && api.devices[len(api.devices)-1].Token == "tok-2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncer_ConcurrentCallersShareOne(t *testing.T) {
	ctx := context.Background()
	a := openTestApp(t, testConfig(t), WithFetcher(staticFetcher{token: "t"}), WithBackendAPI(&fakeAPI{}))

	const callers = 8
	got := make([]*backend.Syncer, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := a.Syncer(ctx)
			assert.NoError(t, err)
			got[i] = s
		}()
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
}

func TestDispatcher(t *testing.T) {
	a := openTestApp(t, testConfig(t), WithFetcher(staticFetcher{}))
	var got []notify.Delivery
	d := a.Dispatcher(notify.HandlerFunc(func(_ context.Context, del notify.Delivery) error {
		got = append(got, del)
		return nil
	}), nil)

	route, err := d.Dispatch(context.Background(), fcm.RemoteMessage{MessageID: "m", Data: map[string]string{"payload": `{"a":1}`}})
	require.NoError(t, err)
	assert.Equal(t, notify.RouteHandler, route)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"a": float64(1)}, got[0].Payload)
}
