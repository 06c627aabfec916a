package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/slush-dev/push-registry/apps/cli/internal/app"
	"github.com/slush-dev/push-registry/fcm"
	"github.com/slush-dev/push-registry/internal/metrics"
	"github.com/slush-dev/push-registry/notify"
	"github.com/slush-dev/push-registry/registry"
	"github.com/slush-dev/push-registry/relay"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive push messages in real time (Ctrl+C to stop)",
	Long: `Ensure a push token exists, then hold an MCS connection to FCM and
dispatch incoming messages. When a relay hub is configured its pushes are
dispatched as well; messages seen on both transports are shown once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noRelay, _ := cmd.Flags().GetBool("no-relay")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		projectID, err := a.ProjectID("")
		if err != nil {
			return err
		}
		token, err := a.Registry.Token(ctx, projectID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Push token: %s\n", truncateStr(token, 40))

		if cfg.Backend.URL != "" {
			if s, err := a.Syncer(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Backend sync unavailable: %v\n", err)
			} else if _, err := s.Sync(ctx, projectID); err != nil {
				fmt.Fprintf(os.Stderr, "Backend sync failed: %v\n", err)
			}
		}

		if addr := cfg.Metrics.Addr; addr != "" {
			stopMetrics := serveMetrics(addr, a)
			defer stopMetrics()
		}

		dispatcher := a.Dispatcher(
			notify.HandlerFunc(func(_ context.Context, d notify.Delivery) error {
				printDelivery(d, useYAML)
				return nil
			}),
			notify.DisplayerFunc(func(_ context.Context, id, title, body, action string) error {
				printNotification(id, title, body, action, useYAML)
				return nil
			}),
		)
		isDuplicate, clearDedup := newMessageDeduper()
		dispatch := func(msg fcm.RemoteMessage) {
			if isDuplicate(msg.MessageID) {
				return
			}
			if _, err := dispatcher.Dispatch(ctx, msg); err != nil {
				fmt.Fprintf(os.Stderr, "Dispatch error: %v\n", err)
			}
		}

		if !noRelay && cfg.Relay.URL != "" {
			rc, err := startRelay(ctx, a, projectID, dispatch)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Relay unavailable: %v\n", err)
			} else {
				defer rc.Stop()
			}
		}

		a.FCM.OnMessage(dispatch)
		a.FCM.OnConnected(func() {
			clearDedup()
			fmt.Fprintln(os.Stderr, "MCS connected.")
		})
		a.FCM.OnDisconnected(func() {
			fmt.Fprintln(os.Stderr, "MCS disconnected.")
		})
		a.FCM.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "FCM error: %v\n", err)
		})

		fmt.Fprintln(os.Stderr, "Listening for push messages (Ctrl+C to stop) ...")
		err = listenMCS(ctx, a.FCM)
		fmt.Fprintln(os.Stderr, "\nShutting down ...")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	listenCmd.Flags().Bool("no-relay", false, "Do not connect to the relay hub even if one is configured")
	listenCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	_ = v.BindPFlag("metrics.addr", listenCmd.Flags().Lookup("metrics-addr"))
	rootCmd.AddCommand(listenCmd)
}

// listenMCS keeps an MCS connection open until ctx ends, reconnecting with
// exponential backoff.
func listenMCS(ctx context.Context, c *fcm.Client) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 5 * time.Minute

	op := func() error {
		start := time.Now()
		err := c.Listen(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// A connection that stayed up for a while starts the backoff over.
		if time.Since(start) > time.Minute {
			b.Reset()
		}
		if err == nil {
			err = errors.New("MCS connection closed")
		}
		return err
	}
	onRetry := func(err error, next time.Duration) {
		fmt.Fprintf(os.Stderr, "MCS listener error: %v (reconnecting in %s)\n", err, next.Truncate(time.Second))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry)
}

// startRelay connects to the relay hub and subscribes the current token.
// Token changes re-subscribe and invalidations replace the token.
func startRelay(ctx context.Context, a *app.App, projectID string, dispatch func(fcm.RemoteMessage)) (*relay.Client, error) {
	instanceID, err := a.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	rc := relay.NewClient(cfg.Relay.URL, relay.StaticToken(cfg.Relay.APIKey),
		relay.WithLogger(log.With("component", "relay")))
	rc.OnPush(func(msg fcm.RemoteMessage) {
		dispatch(msg)
		rc.Acknowledge(msg.MessageID)
	})
	rc.OnTokenInvalidated(relay.ReplaceOnInvalidation(ctx, a.Registry, projectID, log))
	rc.OnOpen(func() {
		fmt.Fprintln(os.Stderr, "Relay connected.")
	})
	rc.OnClose(func() {
		fmt.Fprintln(os.Stderr, "Relay disconnected.")
	})
	rc.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "Relay error: %v\n", err)
	})

	if err := rc.Start(ctx); err != nil {
		return nil, err
	}

	reg, err := a.Registry.Registration(ctx)
	if err == nil && reg.Token != "" {
		rc.Subscribe(instanceID, reg.Token)
	}
	a.Registry.AddListener(registry.ListenerFunc(func(previous, current string) {
		if current != previous {
			rc.Subscribe(instanceID, current)
		}
	}))
	return rc, nil
}

// serveMetrics serves the app's collectors until the returned func is called.
func serveMetrics(addr string, a *app.App) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.Gatherer))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Metrics server error: %v\n", err)
		}
	}()
	fmt.Fprintf(os.Stderr, "Serving metrics on %s/metrics\n", addr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func printDelivery(d notify.Delivery, useYAML bool) {
	if useYAML {
		row := map[string]any{
			"event": "message",
			"id":    d.ID,
			"from":  d.From,
		}
		if !d.SentTime.IsZero() {
			row["sent"] = d.SentTime.UTC().Format(time.RFC3339)
		}
		if d.Payload != nil {
			row["payload"] = d.Payload
		}
		if d.PayloadErr != nil {
			row["payload_error"] = d.PayloadErr.Error()
		}
		if len(d.Data) > 0 {
			row["data"] = d.Data
		}
		fmt.Println("---")
		yamlOut(row)
		return
	}

	fmt.Printf(">> MESSAGE %s from=%s\n", d.ID, d.From)
	if d.Payload != nil {
		keys := make([]string, 0, len(d.Payload))
		for k := range d.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   %s: %v\n", k, d.Payload[k])
		}
		return
	}
	keys := make([]string, 0, len(d.Data))
	for k := range d.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("   %s=%s\n", k, truncateStr(d.Data[k], 120))
	}
}

func printNotification(id, title, body, action string, useYAML bool) {
	if useYAML {
		row := map[string]any{
			"event": "notification",
			"id":    id,
			"title": title,
			"body":  body,
		}
		if action != "" {
			row["action"] = action
		}
		fmt.Println("---")
		yamlOut(row)
		return
	}
	fmt.Printf(">> NOTIFICATION %s: %s\n", title, truncateStr(body, 120))
	if action != "" {
		fmt.Printf("   action: %s\n", action)
	}
}

// maxDedupIDs bounds the message IDs a deduper remembers between clears.
const maxDedupIDs = 1000

func newMessageDeduper() (func(string) bool, func()) {
	var mu sync.Mutex
	dedup := make(map[string]struct{})

	isDuplicate := func(msgID string) bool {
		if msgID == "" {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if _, exists := dedup[msgID]; exists {
			return true
		}
		if len(dedup) >= maxDedupIDs {
			dedup = make(map[string]struct{})
		}
		dedup[msgID] = struct{}{}
		return false
	}

	reset := func() {
		mu.Lock()
		dedup = make(map[string]struct{})
		mu.Unlock()
	}

	return isDuplicate, reset
}
