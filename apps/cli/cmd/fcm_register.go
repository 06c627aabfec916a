package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var fcmRegisterCmd = &cobra.Command{
	Use:   "fcm-register",
	Short: "Register with FCM directly (debug helper)",
	Long: `Performs only the FCM checkin and registration, bypassing the registry
cache. Useful for debugging push registration. The registry still hears about
a changed token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		syncBackend, _ := cmd.Flags().GetBool("sync")
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

		fmt.Fprintln(os.Stderr, "Registering with FCM...")
		var token string
		if force {
			token, err = a.FCM.FetchToken(ctx, projectID)
		} else {
			token, err = a.FCM.Register(ctx, projectID)
		}
		if err != nil {
			return fmt.Errorf("FCM registration failed: %w", err)
		}

		if useYAML {
			yamlOut(map[string]string{"fcm_token": token, "credentials": a.FCM.CredentialsPath()})
		} else {
			fmt.Printf("FCM token: %s\n", token)
		}

		if syncBackend {
			s, err := a.Syncer(ctx)
			if err != nil {
				return err
			}
			res, err := s.Sync(ctx, projectID)
			if err != nil {
				return fmt.Errorf("backend sync failed: %w", err)
			}
			if res.Registered {
				fmt.Fprintln(os.Stderr, "Token registered with backend.")
			} else {
				fmt.Fprintln(os.Stderr, "Backend already has the current token.")
			}
		}
		return nil
	},
}

func init() {
	fcmRegisterCmd.Flags().Bool("force", false, "Register again when the stored token is older than fcm.token_max_age")
	fcmRegisterCmd.Flags().Bool("sync", false, "Also register the token with the backend")
	rootCmd.AddCommand(fcmRegisterCmd)
}
