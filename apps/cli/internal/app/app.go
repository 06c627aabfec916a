// Package app wires the registry, the push SDK and their collaborators from
// a resolved configuration. Both the CLI commands and the MCP server build
// on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slush-dev/push-registry/backend"
	"github.com/slush-dev/push-registry/config"
	"github.com/slush-dev/push-registry/fcm"
	"github.com/slush-dev/push-registry/internal/metrics"
	"github.com/slush-dev/push-registry/notify"
	"github.com/slush-dev/push-registry/registry"
	"github.com/slush-dev/push-registry/store"
)

// KeyInstanceID holds the generated installation ID next to the
// registration.
const KeyInstanceID = "instanceId"

// ErrNoProject is returned when no FCM sender ID is configured.
var ErrNoProject = errors.New("no project configured: set project_id in config.yaml, PUSHREG_PROJECT_ID or --project")

// ErrNoBackend is returned when the application server is not configured.
var ErrNoBackend = errors.New("no backend configured: set backend.url in config.yaml or PUSHREG_BACKEND_URL")

// Option configures Open.
type Option func(*options)

type options struct {
	fetcher    registry.Fetcher
	fcmOptions []fcm.Option
	api        backend.API
}

// WithFetcher replaces the FCM client as the registry's token source.
func WithFetcher(f registry.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithFCMOptions adds options for the FCM client.
func WithFCMOptions(opts ...fcm.Option) Option {
	return func(o *options) {
		o.fcmOptions = append(o.fcmOptions, opts...)
	}
}

// WithBackendAPI replaces the HTTP backend client.
func WithBackendAPI(api backend.API) Option {
	return func(o *options) {
		o.api = api
	}
}

// App holds the wired components. Close releases them.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    store.Store
	FCM      *fcm.Client
	Registry *registry.Registry
	Metrics  *metrics.Collector
	Gatherer *prometheus.Registry

	api backend.API

	syncerMu sync.Mutex
	syncer   *backend.Syncer
}

// Open opens the store and builds the registry over the FCM client.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}

	gatherer := prometheus.NewRegistry()
	collector := metrics.New(gatherer)

	fcmOpts := []fcm.Option{
		fcm.WithLogger(logger.With("component", "fcm")),
		fcm.WithTokenMaxAge(cfg.FCM.TokenMaxAge),
	}
	if cfg.FCM.AppPackage != "" && cfg.FCM.AppCertSHA1 != "" {
		app := fcm.DefaultApp()
		app.Package = cfg.FCM.AppPackage
		app.CertSHA1 = cfg.FCM.AppCertSHA1
		fcmOpts = append(fcmOpts, fcm.WithApp(app))
	}
	fc := fcm.NewClient(cfg.SessionDir, append(fcmOpts, o.fcmOptions...)...)

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fc
	}
	regOpts := []registry.Option{
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithFetchTimeout(cfg.Registry.FetchTimeout),
		registry.WithMetrics(collector),
	}
	if cfg.Registry.AnnounceEveryCall {
		regOpts = append(regOpts, registry.WithAnnounceEveryCall())
	}
	reg := registry.New(st, fetcher, regOpts...)
	fc.SetTokenObserver(reg)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		FCM:      fc,
		Registry: reg,
		Metrics:  collector,
		Gatherer: gatherer,
		api:      o.api,
	}, nil
}

// ProjectID returns override when set, else the configured project.
func (a *App) ProjectID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.Config.ProjectID == "" {
		return "", ErrNoProject
	}
	return a.Config.ProjectID, nil
}

// InstanceID returns the configured installation ID, or one generated on
// first use and kept in the store.
func (a *App) InstanceID(ctx context.Context) (string, error) {
	if id := a.Config.Backend.InstanceID; id != "" {
		return id, nil
	}
	id, ok, err := a.Store.GetString(ctx, KeyInstanceID)
	if err != nil {
		return "", fmt.Errorf("reading instance ID: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = backend.NewInstanceID()
	if err := a.Store.PutString(ctx, KeyInstanceID, id); err != nil {
		return "", fmt.Errorf("saving instance ID: %w", err)
	}
	a.Logger.Info("Generated instance ID", "instance_id", id)
	return id, nil
}

// Syncer returns the backend syncer, building it on first use. It is
// registered as a registry listener so token changes resync in the
// background.
func (a *App) Syncer(ctx context.Context) (*backend.Syncer, error) {
	a.syncerMu.Lock()
	defer a.syncerMu.Unlock()
	if a.syncer != nil {
		return a.syncer, nil
	}
	api := a.api
	if api == nil {
		if a.Config.Backend.URL == "" {
			return nil, ErrNoBackend
		}
		api = backend.NewClient(a.Config.Backend.URL,
			backend.WithAPIKey(a.Config.Backend.APIKey),
			backend.WithTimeout(a.Config.Backend.Timeout),
			backend.WithLogger(a.Logger.With("component", "backend")))
	}
	instanceID, err := a.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	a.syncer = backend.NewSyncer(a.Registry, api, backend.SyncerConfig{
		InstanceID: instanceID,
		ProjectID:  a.Config.ProjectID,
		AppVersion: a.Config.Backend.AppVersion,
	}, backend.WithSyncLogger(a.Logger.With("component", "backend")))
	a.Registry.AddListener(a.syncer)
	return a.syncer, nil
}

// Dispatcher builds a message dispatcher delivering to h.
func (a *App) Dispatcher(h notify.Handler, disp notify.Displayer) *notify.Dispatcher {
	opts := []notify.Option{
		notify.WithLogger(a.Logger.With("component", "notify")),
		notify.WithPayloadKey(a.Config.Notify.PayloadKey),
		notify.WithMetrics(a.Metrics),
	}
	if disp != nil {
		opts = append(opts, notify.WithDisplayer(disp))
	}
	return notify.NewDispatcher(h, opts...)
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	var errs []error
	a.syncerMu.Lock()
	if a.syncer != nil {
		errs = append(errs, a.syncer.Close())
	}
	a.syncerMu.Unlock()
	errs = append(errs, a.Registry.Close(), a.Store.Close())
	return errors.Join(errs...)
}
