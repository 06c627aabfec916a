package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the push token, fetching one if none is cached",
	Long: `Print the push token for the configured project.

A cached token for the same project is returned at once and refreshed in the
background. A project change or an empty cache blocks on a fresh FCM
registration.`,
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
		token, err := a.Registry.Token(ctx, projectID)
		if err != nil {
			return err
		}
		reg, err := a.Registry.Registration(ctx)
		if err != nil {
			return err
		}

		if useYAML {
			yamlOut(map[string]any{
				"token":      token,
				"project_id": projectID,
				"state":      reg.State().String(),
				"stale":      reg.IsStale,
			})
		} else {
			fmt.Println(token)
		}
		return nil
	},
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the cached token and invalidate it with FCM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Registry.DeleteToken(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Token deleted.")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenDeleteCmd)
	rootCmd.AddCommand(tokenCmd)
}
