package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send the push token to the application backend if it needs it",
	Long: `Fetch the push token and register it with the application backend
unless the backend already acknowledged this exact token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		s, err := a.Syncer(ctx)
		if err != nil {
			return err
		}
		res, err := s.Sync(ctx, projectID)
		if err != nil {
			return err
		}

		if useYAML {
			yamlOut(map[string]any{"token": res.Token, "registered": res.Registered})
		} else if res.Registered {
			fmt.Fprintln(os.Stderr, "Token registered with backend.")
		} else {
			fmt.Fprintln(os.Stderr, "Backend already has the current token.")
		}
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove this installation from the application backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Syncer(ctx)
		if err != nil {
			return err
		}
		if err := s.Unregister(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Unregistered from backend.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, unregisterCmd)
}
