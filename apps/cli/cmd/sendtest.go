package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slush-dev/push-registry/sender"
)

var sendTestCmd = &cobra.Command{
	Use:   "send-test",
	Short: "Send a test push to this installation's token through the Firebase Admin API",
	Long: `Send a message to the current push token using a Firebase service
account (sender.credentials_file, or Application Default Credentials). Run
'listen' in another terminal to see it arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		payload, _ := cmd.Flags().GetString("payload")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		tokenFlag, _ := cmd.Flags().GetString("token")
		ctx := cmd.Context()

		token := tokenFlag
		if token == "" {
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			projectID, err := a.ProjectID("")
			if err != nil {
				return err
			}
			if token, err = a.Registry.Token(ctx, projectID); err != nil {
				return err
			}
		}

		msg := sender.Message{
			Title:        title,
			Body:         body,
			PayloadKey:   cfg.Notify.PayloadKey,
			HighPriority: true,
		}
		if payload != "" {
			var decoded any
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				return fmt.Errorf("--payload is not valid JSON: %w", err)
			}
			msg.Payload = decoded
		}

		var opts []sender.Option
		opts = append(opts, sender.WithLogger(log.With("component", "sender")))
		if dryRun {
			opts = append(opts, sender.WithDryRun())
		}
		s, err := sender.New(ctx, cfg.Sender.CredentialsFile, cfg.Sender.ProjectID, opts...)
		if err != nil {
			return err
		}
		id, err := s.Send(ctx, token, msg)
		if err != nil {
			return err
		}

		if useYAML {
			yamlOut(map[string]any{"message_id": id, "dry_run": dryRun})
		} else {
			fmt.Fprintf(os.Stderr, "Sent: %s\n", id)
		}
		return nil
	},
}

func init() {
	sendTestCmd.Flags().String("title", "push-registry", "Notification title (empty for a data-only message)")
	sendTestCmd.Flags().String("body", "Test message", "Notification body")
	sendTestCmd.Flags().String("payload", "", "JSON payload delivered under notify.payload_key")
	sendTestCmd.Flags().String("token", "", "Send to this token instead of the registry's")
	sendTestCmd.Flags().Bool("dry-run", false, "Validate the message without delivering it")
	rootCmd.AddCommand(sendTestCmd)
}
