package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted registration and FCM credential state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.Registry.Registration(ctx)
		if err != nil {
			return err
		}
		creds := a.FCM.Credentials()

		if useYAML {
			status := map[string]any{
				"session_dir":   sessionDir,
				"store":         cfg.Store.Driver,
				"state":         reg.State().String(),
				"project_id":    reg.ProjectID,
				"token":         reg.Token,
				"is_registered": reg.IsRegistered,
				"is_stale":      reg.IsStale,
			}
			if cfg.ConfigFile != "" {
				status["config_file"] = cfg.ConfigFile
			}
			if creds != nil {
				status["fcm"] = map[string]any{
					"sender_id":      creds.SenderID,
					"issued_at":      creds.IssuedAt.UTC().Format(time.RFC3339),
					"persistent_ids": len(creds.PersistentIDs),
				}
			}
			yamlOut(status)
			return nil
		}

		rows := [][2]string{
			{"Session dir", sessionDir},
			{"Store", cfg.Store.Driver},
			{"State", reg.State().String()},
			{"Project", orNone(reg.ProjectID)},
			{"Token", orNone(truncateStr(reg.Token, 40))},
			{"Registered", yesNo(reg.IsRegistered)},
			{"Stale", yesNo(reg.IsStale)},
		}
		if creds != nil {
			rows = append(rows,
				[2]string{"FCM sender", creds.SenderID},
				[2]string{"FCM issued", formatAge(creds.IssuedAt)},
			)
		} else {
			rows = append(rows, [2]string{"FCM", "not registered"})
		}
		printFields(rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format("2006-01-02 15:04:05") + fmt.Sprintf(" (%s ago)", time.Since(t).Truncate(time.Second))
}
