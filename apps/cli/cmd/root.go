package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slush-dev/push-registry/apps/cli/internal/app"
	"github.com/slush-dev/push-registry/config"
	"github.com/slush-dev/push-registry/internal/logger"
)

var (
	sessionDir string
	configFile string
	verbose    bool
	useYAML    bool

	// v carries flag bindings into config.Load.
	v = viper.New()

	cfg      *config.Config
	log      *slog.Logger
	closeLog = func() error { return nil }
)

func defaultSessionDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".push-registry")
}

var rootCmd = &cobra.Command{
	Use:           "push-registry",
	Short:         "Device-side push token registry and FCM client",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(sessionDir, 0o700); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
		loaded, err := config.Load(sessionDir, config.WithViper(v), config.WithConfigFile(configFile))
		if err != nil {
			return err
		}
		cfg = loaded

		l, closeFn, err := logger.New(
			logger.WithDebug(verbose || cfg.Log.Debug),
			logger.WithFormat(cfg.Log.Format),
			logger.WithFile(cfg.Log.File),
		)
		if err != nil {
			return err
		}
		log, closeLog = l, closeFn
		slog.SetDefault(log)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&sessionDir, "session-dir", defaultSessionDir(), "Directory holding credentials, config.yaml and the registry store")
	flags.StringVar(&configFile, "config", "", "Config file (default: config.yaml in the session dir)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&useYAML, "yaml", false, "Print output in YAML format")
	flags.String("project", "", "FCM sender ID tokens are issued for")
	flags.String("store", "", "Registry store driver: file, sqlite, redis or memory")
	_ = v.BindPFlag("project_id", flags.Lookup("project"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store"))

	// Allow env override
	if envDir := os.Getenv("PUSHREG_SESSION_DIR"); envDir != "" {
		sessionDir = envDir
	}
}

// SetVersion sets the version string shown by --version.
func SetVersion(version string) {
	rootCmd.Version = version
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// openApp wires the registry for a command. Callers must Close it.
func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	return app.Open(ctx, cfg, log, opts...)
}
